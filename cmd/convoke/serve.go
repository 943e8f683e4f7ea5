package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"convoke/pkg/auth"
	"convoke/pkg/config"
	"convoke/pkg/federation"
	"convoke/pkg/types"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var cfg *config.Config
			if configFile != "" {
				cfg, err = config.LoadConfig(configFile)
				if err != nil {
					return err
				}
			} else {
				cfg = config.LoadFromEnv()
			}

			resolver := federation.NewKeyResolver(cfg.FetchTimeout(), cfg.KeyCacheTTL(), logger)
			srv, err := newServer(cfg, federation.NewMemoryStore(), resolver, logger)
			if err != nil {
				return err
			}

			logger.Info("federation endpoint starting",
				zap.String("address", cfg.Server.Address),
				zap.String("domain", cfg.Domain),
				zap.String("mode", string(cfg.Mode)))

			return srv.echo.Start(cfg.Server.Address)
		},
	}
}

// server wires the trust layer into the HTTP surface: actor documents for
// peers resolving our keys, and the signature-gated inbox.
type server struct {
	echo      *echo.Echo
	cfg       *config.Config
	directory *federation.Directory
	processor *federation.GrantProcessor
	signer    *auth.Signer
	logger    *zap.Logger
}

func newServer(cfg *config.Config, store *federation.MemoryStore, keys auth.PublicKeyResolver, logger *zap.Logger) (*server, error) {
	directory := federation.NewDirectory(store, cfg.IsProduction(), logger)

	verifier, err := auth.NewVerifier(keys, auth.VerifierOptions{
		Production: cfg.IsProduction(),
		Bypass:     cfg.Federation.DisableSignatureChecks,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("verification gate refused to start: %w", err)
	}

	s := &server{
		echo:      echo.New(),
		cfg:       cfg,
		directory: directory,
		processor: federation.NewGrantProcessor(directory, store, store, logger),
		signer:    auth.NewSigner(directory, logger),
		logger:    logger,
	}

	s.echo.HideBanner = true
	s.echo.Use(middleware.Recover())

	s.echo.GET("/users/:id", s.actorDocument(types.SubjectPerson))
	s.echo.GET("/calendars/:id", s.actorDocument(types.SubjectCalendar))

	gate := verifier.Middleware()
	s.echo.POST("/users/:id/inbox", s.inbox(types.SubjectPerson), gate)
	s.echo.POST("/calendars/:id/inbox", s.inbox(types.SubjectCalendar), gate)

	return s, nil
}

// actorDocumentResponse is the profile peers fetch to resolve our actors and
// their public keys.
type actorDocumentResponse struct {
	Context           []string          `json:"@context"`
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	PreferredUsername string            `json:"preferredUsername"`
	Inbox             string            `json:"inbox"`
	PublicKey         publicKeyDocument `json:"publicKey"`
}

type publicKeyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

func (s *server) actorDocument(subject types.SubjectType) echo.HandlerFunc {
	return func(c echo.Context) error {
		uri := federation.LocalActorURI(subject, c.Param("id"), s.cfg.Domain)
		actor, err := s.directory.ActorByURI(uri)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "actor not found")
		}

		docType := "Person"
		if subject == types.SubjectCalendar {
			docType = "Group"
		}

		return c.JSON(http.StatusOK, &actorDocumentResponse{
			Context: []string{
				"https://www.w3.org/ns/activitystreams",
				"https://w3id.org/security/v1",
			},
			ID:                actor.URI,
			Type:              docType,
			PreferredUsername: c.Param("id"),
			Inbox:             actor.URI + "/inbox",
			PublicKey: publicKeyDocument{
				ID:           actor.URI + auth.KeyIDSuffix,
				Owner:        actor.URI,
				PublicKeyPem: actor.PublicKeyPEM,
			},
		})
	}
}

// inbox handles authenticated federation deliveries. Only Add/Remove carry
// trust-layer semantics; other activity types are acknowledged and ignored
// here, their business handling lives outside this subsystem.
func (s *server) inbox(subject types.SubjectType) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := auth.IdentityFromContext(c)
		if identity == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
		}

		var activity types.Activity
		if err := json.Unmarshal(body, &activity); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed activity")
		}
		activity.Raw = body

		uri := federation.LocalActorURI(subject, c.Param("id"), s.cfg.Domain)
		receiving, err := s.directory.ActorByURI(uri)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "actor not found")
		}

		switch activity.Type {
		case types.ActivityAdd:
			if !s.processor.HandleGrant(receiving, &activity) {
				return echo.NewHTTPError(http.StatusForbidden, "grant rejected")
			}
		case types.ActivityRemove:
			s.processor.HandleRevoke(receiving, &activity)
		default:
			s.logger.Debug("ignoring activity type",
				zap.String("type", activity.Type),
				zap.String("actor", identity.ActorURI))
		}

		return c.NoContent(http.StatusAccepted)
	}
}
