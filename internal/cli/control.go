package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ospolov/conveyor/internal/mq"
)

// PublisherFactory открывает подключение к control-каналу.
// Возвращённая функция закрывает ресурсы.
type PublisherFactory func(ctx context.Context) (*mq.Publisher, func(), error)

// NewCancelCmd создаёт команду запроса отмены задачи.
func NewCancelCmd(publisherFn PublisherFactory, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Request cooperative cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}

			publisher, closeFn, err := publisherFn(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := publisher.PublishCancel(cmd.Context(), taskID, reason); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Cancel requested: %s", taskID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "requested via cli", "Cancellation reason")

	return cmd
}

// NewTopologyCmd создаёт команду вывода топологии очередей.
func NewTopologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the broker topology",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), mq.TopologyInfo())
		},
	}
}
