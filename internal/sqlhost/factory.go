package sqlhost

import "github.com/whisper-darkly/ingeststates/internal/model"

// Factory is a reference hostapi.Factory: it validates the writer-built
// fields and hands back a Message, returning nil for anything the host
// couldn't create.
type Factory struct{}

// NewFactory returns the reference Factory.
func NewFactory() Factory { return Factory{} }

func (Factory) CreateMessage(fields model.Message) *model.Message {
	if fields.Ref == "" || fields.Origin.ID == "" {
		return nil
	}
	if fields.Title == "" && fields.Text == "" {
		return nil
	}
	msg := fields
	return &msg
}
