// Package messaging implements the in-process message bus.
//
// A Server keeps the registry of agents and routes every point-to-point message
// and broadcast. Each agent is built on a Client, which owns a private Router
// mapping message types to handlers. Handler failures never cross agent
// boundaries: the Router converts errors and panics into ERROR replies that flow
// back to the sender like any other reply.
//
// Basic usage:
//
//	server := messaging.NewServer()
//	echo := messaging.NewClient("echo")
//	echo.Router().RegisterFunc("ECHO", func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
//		return msg.Reply(contracts.WithReplyPayload(msg.Payload)), nil
//	})
//	_ = server.Register(echo)
//
//	caller := messaging.NewClient("caller")
//	_ = server.Register(caller)
//	reply, err := caller.Send(ctx, "echo", "ECHO", map[string]any{"text": "hi"})
package messaging
