package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	openai_engine "github.com/go-go-golems/parley/pkg/engine/openai"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/httpapi"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/store/listcache"
	"github.com/go-go-golems/parley/pkg/store/memstore"
	"github.com/go-go-golems/parley/pkg/store/sqlstore"
)

func openGateway() (store.Gateway, func() error, error) {
	dbPath := viper.GetString("db")
	if dbPath == "" {
		log.Warn().Msg("no database configured, conversations will not survive restarts")
		return memstore.New(), func() error { return nil }, nil
	}
	s, err := sqlstore.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

const eventsTopic = "chat-events"

// tapEvents logs every stream event flowing through the bus. Returns nil on
// context cancellation so it does not abort the errgroup during shutdown.
func tapEvents(ctx context.Context, pubSub *gochannel.GoChannel) error {
	msgs, err := pubSub.Subscribe(ctx, eventsTopic)
	if err != nil {
		return err
	}
	for msg := range msgs {
		ev, err := events.NewEventFromJSON(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable event on bus")
			msg.Ack()
			continue
		}
		log.Debug().
			Str("event_type", string(ev.Type())).
			Str("conversation_id", string(ev.Metadata().ConversationID)).
			Str("sequence_number", msg.Metadata.Get("sequence_number")).
			Msg("stream event")
		msg.Ack()
	}
	return nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat orchestration HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := viper.GetString("addr")

			gateway, closeGateway, err := openGateway()
			if err != nil {
				return err
			}
			defer func() { _ = closeGateway() }()

			eng, err := openai_engine.NewEngine(openai_engine.Settings{
				APIKey: viper.GetString("openai-api-key"),
				Model:  viper.GetString("openai-model"),
			})
			if err != nil {
				return err
			}

			lists := listcache.New(gateway)
			recorder := session.NewRecorder(gateway)
			titles := session.NewTitleGenerator(eng, gateway, lists)
			coordinator := session.NewCoordinator(gateway, eng, recorder, titles,
				session.WithListInvalidator(lists))

			// Every stream event also goes to an in-process bus, so observers
			// (the log tap below, future metrics) see the same stream the
			// client does without touching the request path.
			pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
			defer func() { _ = pubSub.Close() }()
			busSink := events.NewWatermillSink(pubSub, eventsTopic)

			server := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewServer(coordinator, gateway, lists, busSink),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return tapEvents(ctx, pubSub)
			})
			eg.Go(func() error {
				log.Info().Str("addr", addr).Msg("listening")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			return eg.Wait()
		},
	}

	cmd.Flags().String("addr", ":8088", "listen address")
	return cmd
}
