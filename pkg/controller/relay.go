package controller

import (
	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/cancellation"
	"github.com/Sumatoshi-tech/offload/pkg/executor"
)

// RelayTo returns a RelayFunc that forwards cancels to the executor behind
// host as $/cancelRequest notifications.
func RelayTo(host *executor.Host) cancellation.RelayFunc {
	return func(token cancellation.Token) error {
		msg, err := executor.NewNotification(analysis.MethodCancelRequest, analysis.CancelParams{ID: uint64(token.ID)})
		if err != nil {
			return err
		}

		return host.Send(msg)
	}
}
