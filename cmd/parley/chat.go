package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/engine"
	"github.com/go-go-golems/parley/pkg/engine/fake"
	openai_engine "github.com/go-go-golems/parley/pkg/engine/openai"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/reconcile"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/store"
	"github.com/go-go-golems/parley/pkg/store/listcache"
)

// newChatCommand runs an in-process REPL against the orchestration core,
// driving the same reconciler a UI client would use.
func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat from the terminal (in-process, no server needed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			gateway, closeGateway, err := openGateway()
			if err != nil {
				return err
			}
			defer func() { _ = closeGateway() }()

			var eng engine.Engine
			if key := viper.GetString("openai-api-key"); key != "" {
				eng, err = openai_engine.NewEngine(openai_engine.Settings{
					APIKey: key,
					Model:  viper.GetString("openai-model"),
				})
				if err != nil {
					return err
				}
			} else {
				log.Warn().Msg("no OpenAI API key configured, using the echo engine")
				eng = fake.NewEchoEngine()
			}

			lists := listcache.New(gateway)
			recorder := session.NewRecorder(gateway)
			titles := session.NewTitleGenerator(eng, gateway, lists)
			coordinator := session.NewCoordinator(gateway, eng, recorder, titles,
				session.WithListInvalidator(lists))

			cred := store.Credential{Subject: viper.GetString("user")}
			rec := reconcile.New("", nil)
			history := []chat.Message{}

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					fmt.Print("> ")
					continue
				}
				if line == "/quit" {
					break
				}

				if _, _, err := rec.Submit(line, nil); err != nil {
					return err
				}
				history = append(history, chat.Message{Role: chat.RoleUser, Content: line})

				sink := events.SinkFunc(func(ev events.Event) error {
					if partial, ok := ev.(*events.EventPartialCompletion); ok {
						fmt.Print(partial.Delta)
					}
					return rec.Apply(ev)
				})

				result, err := coordinator.RunExchange(cmd.Context(), cred, session.ExchangeRequest{
					ConversationID: rec.ConversationID(),
					History:        history,
				}, sink)
				fmt.Println()
				if err != nil {
					rec.Fail()
					log.Error().Err(err).Msg("exchange failed")
					// the failed exchange stays visible; drop it from the
					// model history so a retry starts a fresh exchange
					history = history[:len(history)-1]
					fmt.Print("> ")
					continue
				}

				rec.AdoptConversation(result.ConversationID)
				rec.ReconcileDurable(result.UserTurnID, result.AssistantTurnID)
				if result.Completion != nil {
					history = append(history, chat.Message{Role: chat.RoleAssistant, Content: result.Completion.Text})
				}
				fmt.Print("> ")
			}

			return scanner.Err()
		},
	}

	cmd.Flags().String("user", "local", "caller identity for the persistence gateway")
	return cmd
}
