// Package askagent implements the bounded synchronous agent-to-agent call:
// one agent asks another a question and blocks for the answer. Depth, cycle,
// self-call, and per-process count caps keep the recursion finite; the
// caller chain and depth travel through the child's environment because the
// target runs in its own subprocess.
package askagent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/agents"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/dispatcher"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

// Environment variables that carry the ask context into the child process.
const (
	EnvDepth       = "ASK_DEPTH"
	EnvCallerChain = "ASK_CALLER_CHAIN"
)

// askHint is appended to policy rejections.
const askHint = "use message_send for asynchronous communication instead"

var (
	// ErrDepthExceeded is returned when the nesting cap is reached.
	ErrDepthExceeded = errors.New("ask depth limit reached")

	// ErrTooManyCalls is returned when the per-process call cap is exceeded.
	ErrTooManyCalls = errors.New("ask call limit reached")

	// ErrSelfCall is returned when an agent asks itself.
	ErrSelfCall = errors.New("agent cannot ask itself")

	// ErrCycle is returned when the target already appears in the caller chain.
	ErrCycle = errors.New("ask would create a cycle")
)

// Request is one ask invocation. Depth and CallerChain are forwarded by the
// caller's subprocess from its own environment.
type Request struct {
	Caller      string
	Target      string
	Question    string
	Depth       int
	CallerChain []string
}

// Service validates and executes ask calls.
type Service struct {
	dispatcher *dispatcher.Dispatcher
	registry   *agents.Registry
	cfg        config.DispatcherConfig
	bus        bus.EventBus
	logger     *logger.Logger

	mu    sync.Mutex
	calls int
}

// NewService creates the ask service.
func NewService(d *dispatcher.Dispatcher, registry *agents.Registry, cfg config.DispatcherConfig, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		dispatcher: d,
		registry:   registry,
		cfg:        cfg,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "askagent")),
	}
}

// Ask runs the target agent against its current session and returns its
// stdout verbatim. The call blocks for at most the configured ask timeout;
// on timeout the subprocess is killed and an error returned.
func (s *Service) Ask(ctx context.Context, req Request) (string, error) {
	if err := s.check(req); err != nil {
		return "", err
	}

	s.publishConversation("started", req, "")

	childChain := append(append([]string(nil), req.CallerChain...), req.Caller)
	env := map[string]string{
		EnvDepth:       strconv.Itoa(req.Depth + 1),
		EnvCallerChain: ChainCSV(childChain),
	}

	prompt := dispatcher.BuildPrompt(dispatcher.DispatchContext{
		Timestamp:      time.Now().UTC(),
		AgentID:        req.Target,
		Trigger:        dispatcher.ReasonAsk,
		Source:         "ask_agent:" + req.Caller,
		Sender:         req.Caller,
		MessagePreview: dispatcher.Preview(req.Question),
	}, askPromptBody(req.Caller, req.Question))

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.AskTimeout())
	defer cancel()

	res, err := s.dispatcher.RunSession(callCtx, req.Target, prompt, env)
	if err != nil {
		s.logger.WithAgentID(req.Target).WithError(err).Warn("Ask call failed",
			zap.String("caller", req.Caller))
		s.publishConversation("completed", req, "")
		return "", err
	}
	if res.ExitCode != 0 {
		s.publishConversation("completed", req, "")
		return "", fmt.Errorf("agent %s exited with code %d", req.Target, res.ExitCode)
	}

	s.publishConversation("completed", req, dispatcher.Preview(res.Stdout))
	return res.Stdout, nil
}

// check applies the invocation checks in order: valid target, depth cap,
// call cap, self-call, cycle.
func (s *Service) check(req Request) error {
	if !s.registry.IsDispatchable(req.Target) {
		return fmt.Errorf("unknown target agent %q (valid agents: %s)",
			req.Target, strings.Join(s.registry.List(), ", "))
	}
	if req.Depth >= s.cfg.MaxAskDepth {
		return fmt.Errorf("%w (max %d); %s", ErrDepthExceeded, s.cfg.MaxAskDepth, askHint)
	}

	s.mu.Lock()
	s.calls++
	calls := s.calls
	s.mu.Unlock()
	if calls > s.cfg.MaxAskCallsPerSession {
		return fmt.Errorf("%w (max %d); %s", ErrTooManyCalls, s.cfg.MaxAskCallsPerSession, askHint)
	}

	if req.Target == req.Caller {
		return fmt.Errorf("%w; %s", ErrSelfCall, askHint)
	}
	for _, prior := range req.CallerChain {
		if prior == req.Target {
			return fmt.Errorf("%w: %s already in chain [%s]; %s",
				ErrCycle, req.Target, ChainCSV(req.CallerChain), askHint)
		}
	}
	return nil
}

func (s *Service) publishConversation(status string, req Request, preview string) {
	if preview == "" {
		preview = dispatcher.Preview(req.Question)
	}
	event := bus.NewEvent(events.AgentConversation, "askagent", events.AgentConversationPayload{
		Status:  status,
		Caller:  req.Caller,
		Target:  req.Target,
		Depth:   req.Depth,
		Preview: preview,
	})
	if err := s.bus.Publish(context.Background(), events.AgentConversation, event); err != nil {
		s.logger.WithError(err).Warn("Failed to publish agent_conversation event")
	}
}

func askPromptBody(caller, question string) string {
	return fmt.Sprintf(
		"Agent %s is asking you a question and is blocked waiting for your "+
			"answer. Answer concisely on stdout.\n\nQuestion: %s",
		caller, question)
}

// ParseCallerChain parses the comma-separated caller chain carried in the
// child environment. The empty string is the empty chain.
func ParseCallerChain(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	chain := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			chain = append(chain, p)
		}
	}
	return chain
}

// ChainCSV serializes a caller chain for the child environment. The format
// must round-trip exactly through ParseCallerChain.
func ChainCSV(chain []string) string {
	return strings.Join(chain, ",")
}
