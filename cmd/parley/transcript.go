package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/store"
)

// newTranscriptCommand prints a stored conversation, either as a readable
// transcript or as YAML for debugging.
func newTranscriptCommand() *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "transcript <conversation-id>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gateway, closeGateway, err := openGateway()
			if err != nil {
				return err
			}
			defer func() { _ = closeGateway() }()

			cred := store.Credential{Subject: viper.GetString("user")}
			turns, err := gateway.ListTurns(cmd.Context(), cred, chat.ConversationID(args[0]))
			if err != nil {
				return err
			}

			if asYAML {
				return chat.DumpTranscriptYAML(os.Stdout, turns)
			}
			chat.FprintTranscript(os.Stdout, turns)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "dump as YAML instead of a transcript")
	cmd.Flags().String("user", "local", "caller identity for the persistence gateway")
	return cmd
}
