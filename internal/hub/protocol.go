package hub

import "github.com/user/mcdock/internal/console"

// Console traffic is asymmetric: clients send raw text frames, one input line
// each, and receive console.OutputMessage JSON objects.

func notStarted() console.OutputMessage {
	return console.OutputMessage{ConsoleOut: console.NotStartedNotice}
}

type ErrorMessage struct {
	Error string `json:"error"`
}
