package proxy

import (
	"fmt"

	"github.com/Mmx233/llproxy/protocol"
)

// Verdict is what a hook decides for a message.
type Verdict uint8

const (
	Forward Verdict = iota
	Drop
)

func (v Verdict) String() string {
	if v == Drop {
		return "drop"
	}
	return "forward"
}

// Hook sees every decoded message before it is re-encoded and relayed. It
// may mutate msg in place, inject messages through region, or drop msg.
// Hooks run on the session's packet path and must not block.
type Hook interface {
	HandleMessage(sess *Session, region *Region, msg *protocol.Message) Verdict
}

// HookFunc adapts a function to Hook.
type HookFunc func(sess *Session, region *Region, msg *protocol.Message) Verdict

func (f HookFunc) HandleMessage(sess *Session, region *Region, msg *protocol.Message) Verdict {
	return f(sess, region, msg)
}

// runHooks applies hooks in order until one drops the message. A panicking
// hook is logged and treated as Forward.
func (p *Proxy) runHooks(s *Session, r *Region, msg *protocol.Message) Verdict {
	for _, h := range p.Hooks() {
		if callHook(s, h, r, msg) == Drop {
			return Drop
		}
	}
	return Forward
}

func callHook(s *Session, h Hook, r *Region, msg *protocol.Message) (v Verdict) {
	defer func() {
		if e := recover(); e != nil {
			s.logger.Error().Str("message", msg.Name).Str("panic", fmt.Sprint(e)).Msg("hook panicked")
			v = Forward
		}
	}()
	return h.HandleMessage(s, r, msg)
}
