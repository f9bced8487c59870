// Command xrclient is a headless participant. It creates or joins a room
// and walks its avatar around a circle so other participants have
// something to watch.
package main

import (
	"context"
	"errors"
	"flag"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xr-multiplayer/internal/auth"
	"xr-multiplayer/internal/channel"
	"xr-multiplayer/internal/config"
	"xr-multiplayer/internal/interp"
	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/presence"
	"xr-multiplayer/internal/protocol"
	"xr-multiplayer/internal/session"
	"xr-multiplayer/internal/telemetry"
	"xr-multiplayer/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
)

const (
	frame      = time.Second / 60
	eyeHeight  = 1.6
	lapSeconds = 20.0
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay websocket URL")
	token := flag.String("token", "", "token from /login or /guest")
	create := flag.String("create", "", "create a room with this name")
	join := flag.String("join", "", "join the room with this code")
	name := flag.String("name", "", "display name (defaults to the token's)")
	radius := flag.Float64("radius", 1.5, "radius of the walking circle in meters")
	metricsAddr := flag.String("metrics", "", "serve client metrics on this address")
	flag.Parse()

	if *token == "" || (*create == "") == (*join == "") {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadSync()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	log := logger.GlobalLogger.Named("xrclient")

	// The relay checks the signature; the client only needs to know who it is.
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(*token, &claims); err != nil || claims.Subject == "" {
		logger.Fatal("Unreadable token: %v", err)
	}
	displayName := claims.DisplayName
	if *name != "" {
		displayName = *name
	}

	metrics := telemetry.New()
	dialer := &channel.WebSocketDialer{
		URL:    *url,
		Header: http.Header{"Authorization": []string{"Bearer " + *token}},
	}

	kicked := make(chan struct{}, 1)
	s, err := session.New(session.Identity{UserID: claims.Subject, DisplayName: displayName}, dialer, *cfg,
		session.WithObserver(metrics.Observer("client")),
		session.WithHandlers(session.Handlers{
			OnEvent: func(msg *protocol.Message) { logEvent(log, msg) },
			OnRejected: func(p protocol.RejectedPayload) {
				log.Warn("relay rejected %s: %s %s", p.Ref, p.Code, p.Reason)
			},
			OnKicked: func(by string) {
				log.Warn("kicked by %s", by)
				kicked <- struct{}{}
			},
			OnState: func(st channel.State) {
				log.Info("channel %s", st.Status)
			},
			OnLatency: func(sample time.Duration) {
				metrics.ObserveLatency(sample)
				if cfg.DebugShowLatency {
					log.Info("latency %s", sample)
				}
			},
		}),
	)
	if err != nil {
		logger.Fatal("Failed to create session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if *create != "" {
		var code string
		code, err = s.CreateRoom(connectCtx, *create, session.RoomOptions{})
		if err == nil {
			log.Info("created room %q, join code %s", *create, code)
		}
	} else {
		err = s.JoinRoom(connectCtx, *join, displayName)
	}
	cancel()
	if err != nil {
		logger.Fatal("Failed to enter room: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return walk(gctx, s, *radius) })
	g.Go(func() error { return watch(gctx, s, cfg, log) })
	g.Go(func() error {
		select {
		case <-kicked:
			return errors.New("removed from room")
		case <-gctx.Done():
			return nil
		}
	})
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	err = g.Wait()
	if leaveErr := s.Disconnect(); leaveErr != nil && !errors.Is(leaveErr, session.ErrNotInRoom) {
		log.Warn("leave: %v", leaveErr)
	}
	if err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

// walk moves the avatar around a circle, facing the direction of travel.
func walk(ctx context.Context, s *session.Session, radius float64) error {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			angle := 2 * math.Pi * now.Sub(start).Seconds() / lapSeconds
			pos := models.Vec3{radius * math.Cos(angle), eyeHeight, radius * math.Sin(angle)}
			if err := s.UpdatePosition(pos, yaw(-angle)); err != nil {
				if errors.Is(err, session.ErrNotInRoom) {
					return errors.New("no longer in a room")
				}
				return err
			}
		}
	}
}

func yaw(rad float64) models.Quat {
	return models.Quat{0, math.Sin(rad / 2), 0, math.Cos(rad / 2)}
}

// watch smooths everyone else's pose at frame rate, the way a renderer
// would, and reports it when DEBUG_SHOW_BOUNDS is set.
func watch(ctx context.Context, s *session.Session, cfg *config.SyncConfig, log *logger.Logger) error {
	tracker := interp.NewTracker(s.Presence(), interp.RateFor(frame, cfg.InterpolationDelay))
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	var latest map[string]presence.Transform
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			latest = tracker.Step()
		case <-report.C:
			if !cfg.DebugShowBounds {
				continue
			}
			for id, p := range latest {
				log.Info("%s at (%.2f, %.2f, %.2f)", id, p.Position[0], p.Position[1], p.Position[2])
			}
		}
	}
}

func logEvent(log *logger.Logger, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeChat:
		var p protocol.ChatPayload
		if msg.Decode(&p) == nil {
			log.Info("[chat] %s: %s", p.UserID, p.Text)
		}
	case protocol.TypeReaction:
		var p protocol.ReactionPayload
		if msg.Decode(&p) == nil {
			log.Info("[reaction] %s %s", p.UserID, p.Emoji)
		}
	default:
		log.Debug("%s from %s", msg.Type, msg.SenderID)
	}
}
