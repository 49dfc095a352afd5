package app

import "context"

// Ping answers liveness checks of the API itself.
type Ping struct{}

func (Ping) Execute(context.Context) string {
	return "pong"
}

// Echo returns the message it was given.
type Echo struct{}

func (Echo) Execute(_ context.Context, message string) string {
	return message
}
