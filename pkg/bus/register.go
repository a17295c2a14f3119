package bus

import (
	"encoding/gob"

	"github.com/slogdb/slog/core/model"
)

// gob requires every concrete type that will ever be carried in an
// Envelope.Payload (an interface{}) to be registered up front.
func init() {
	gob.Register(model.ForwardTransaction{})
	gob.Register(model.LookUpMasterRequest{})
	gob.Register(model.LookUpMasterResponse{})
	gob.Register(model.ForwardBatch{})
	gob.Register(model.LocalQueueOrder{})
	gob.Register(model.RemoteReadResult{})
	gob.Register(model.CompletedTransaction{})
	gob.Register(model.StatsRequest{})
	gob.Register(model.StatsResponse{})
}
