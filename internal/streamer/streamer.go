// Package streamer mirrors a run's event stream into one chat progress
// message, edited in place on a throttle, plus the final output when the
// run ends.
package streamer

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/model"
)

const (
	// DefaultEditInterval is the minimum spacing between edits of the
	// progress message; Telegram throttles faster editors.
	DefaultEditInterval = 2 * time.Second

	// maxMessageLen is Telegram's hard message size limit.
	maxMessageLen = 4096

	// progressPreviewLen caps how much trailing output the progress
	// message shows while the run is still going.
	progressPreviewLen = 2800
)

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// Transport is the narrow messaging surface the streamer needs.
type Transport interface {
	SendMessage(chatID int64, text string, buttons [][]Button) (messageID int, err error)
	EditMessage(chatID int64, messageID int, text string, buttons [][]Button) error
}

// StopCallback builds the callback data of a Stop button for a run.
func StopCallback(runID string) string { return "stop_run:" + runID }

type runView struct {
	chatID    int64
	messageID int
	startedAt time.Time

	text      strings.Builder
	lastTool  string
	toolCalls int
	errMsg    string

	lastEdit time.Time
	dirty    bool
	finished bool

	// sendMu serializes transport calls for this run so deliveries do not
	// hold the streamer-wide lock while Telegram round-trips.
	sendMu sync.Mutex
}

// Streamer implements orchestrator.EventSink for tracked runs. Runs are
// tracked explicitly: the chat handler calls Track when it enqueues, so
// runs cancelled from the HTTP API or replayed by reconciliation do not
// spam a chat.
type Streamer struct {
	transport Transport
	logger    *zap.Logger
	interval  time.Duration

	mu   sync.Mutex
	runs map[string]*runView

	stop chan struct{}
	once sync.Once
}

func New(transport Transport, interval time.Duration, logger *zap.Logger) *Streamer {
	if interval <= 0 {
		interval = DefaultEditInterval
	}
	s := &Streamer{
		transport: transport,
		logger:    logger,
		interval:  interval,
		runs:      make(map[string]*runView),
		stop:      make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Close stops the background flusher.
func (s *Streamer) Close() {
	s.once.Do(func() { close(s.stop) })
}

// Track starts mirroring a run into chatID. The progress message is posted
// immediately with a Stop button.
func (s *Streamer) Track(runID string, chatID int64) {
	view := &runView{chatID: chatID, startedAt: time.Now()}
	text := "⏳ Queued..."
	msgID, err := s.transport.SendMessage(chatID, text, stopKeyboard(runID))
	if err != nil {
		s.logger.Error("posting progress message", zap.String("run_id", runID), zap.Error(err))
	}
	view.messageID = msgID

	s.mu.Lock()
	s.runs[runID] = view
	s.mu.Unlock()
}

// RunEvent implements orchestrator.EventSink.
func (s *Streamer) RunEvent(run *model.Run, seq int64, ev model.AgentEvent) {
	s.mu.Lock()
	view, ok := s.runs[run.ID]
	if !ok || view.finished {
		s.mu.Unlock()
		return
	}

	switch ev.Type {
	case model.EventRunStarted:
		view.startedAt = time.Now()
	case model.EventTextDelta:
		view.text.WriteString(ev.Text)
	case model.EventToolStart:
		view.lastTool = ev.ToolName
		view.toolCalls++
	case model.EventError:
		view.errMsg = ev.Message
	case model.EventRunFinished:
		view.finished = true
		s.mu.Unlock()
		s.finish(run.ID, view, ev.Status)
		return
	}
	view.dirty = true

	// Flush inline when the throttle window has already passed; the
	// background loop handles the rest. The render happens under the lock,
	// the transport call after releasing it, so one slow chat cannot stall
	// every other run's events.
	var text string
	flush := time.Since(view.lastEdit) >= s.interval
	if flush {
		text = s.snapshotFlush(view)
	}
	s.mu.Unlock()

	if flush {
		s.deliver(run.ID, view, text, stopKeyboard(run.ID))
	}
}

func (s *Streamer) flushLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			type flush struct {
				runID string
				view  *runView
				text  string
			}
			var due []flush
			s.mu.Lock()
			for runID, view := range s.runs {
				if view.dirty && !view.finished {
					due = append(due, flush{runID, view, s.snapshotFlush(view)})
				}
			}
			s.mu.Unlock()
			for _, f := range due {
				s.deliver(f.runID, f.view, f.text, stopKeyboard(f.runID))
			}
		}
	}
}

// snapshotFlush marks the view flushed and renders its progress text;
// callers hold s.mu and deliver after releasing it.
func (s *Streamer) snapshotFlush(view *runView) string {
	view.dirty = false
	view.lastEdit = time.Now()
	return s.renderProgress(view)
}

func (s *Streamer) renderProgress(view *runView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏃 Running · %s", formatElapsed(time.Since(view.startedAt)))
	if view.toolCalls > 0 {
		fmt.Fprintf(&b, " · %d tool calls", view.toolCalls)
	}
	if view.lastTool != "" {
		fmt.Fprintf(&b, " · %s", view.lastTool)
	}
	b.WriteString("\n\n")

	preview := Sanitize(view.text.String())
	if len(preview) > progressPreviewLen {
		preview = preview[len(preview)-progressPreviewLen:]
		if i := strings.IndexByte(preview, '\n'); i >= 0 && i < len(preview)-1 {
			preview = preview[i+1:]
		}
	}
	b.WriteString(preview)
	return strings.TrimRight(b.String(), "\n")
}

func (s *Streamer) finish(runID string, view *runView, status model.FinishStatus) {
	elapsed := formatElapsed(time.Since(view.startedAt))

	var header string
	switch status {
	case model.FinishSuccess:
		header = fmt.Sprintf("✅ Done in %s", elapsed)
	case model.FinishCancelled:
		header = fmt.Sprintf("🛑 Stopped after %s", elapsed)
	default:
		header = fmt.Sprintf("❌ Failed after %s", elapsed)
		if friendly := FriendlyError(view.errMsg); friendly != "" {
			header += "\n" + friendly
		}
	}
	if view.toolCalls > 0 {
		header += fmt.Sprintf(" · %d tool calls", view.toolCalls)
	}

	// Final summary replaces the progress message and drops the Stop
	// button.
	s.deliver(runID, view, header, nil)

	// Full output follows as regular messages, split on line boundaries.
	if text := Sanitize(strings.TrimSpace(view.text.String())); text != "" {
		for _, chunk := range SplitMessage(text, maxMessageLen) {
			if _, err := s.transport.SendMessage(view.chatID, chunk, nil); err != nil {
				s.logger.Error("sending final output", zap.String("run_id", runID), zap.Error(err))
				break
			}
		}
	}

	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

// deliver edits the progress message, falling back to a fresh send when the
// edit fails (deleted message, too-old message, etc). Called without s.mu.
func (s *Streamer) deliver(runID string, view *runView, text string, buttons [][]Button) {
	view.sendMu.Lock()
	defer view.sendMu.Unlock()
	if view.messageID != 0 {
		if err := s.transport.EditMessage(view.chatID, view.messageID, text, buttons); err == nil {
			return
		}
	}
	msgID, err := s.transport.SendMessage(view.chatID, text, buttons)
	if err != nil {
		s.logger.Error("progress send fallback failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	view.messageID = msgID
}

func stopKeyboard(runID string) [][]Button {
	return [][]Button{{{Text: "⏹ Stop", Data: StopCallback(runID)}}}
}

// Sanitize drops control characters that break Telegram rendering, keeping
// newlines and tabs.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// SplitMessage splits text into chunks of at most limit bytes, preferring
// line boundaries. A single overlong line is hard-split.
func SplitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// FriendlyError maps known engine failure text to a hint the owner can act
// on. Empty when no mapping applies.
func FriendlyError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case msg == "":
		return ""
	case strings.Contains(lower, "usage limit") || strings.Contains(lower, "rate limit"):
		return "The engine hit a usage limit. Try again later."
	case strings.Contains(lower, "not logged in") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "api key"):
		return "The engine is not authenticated on this machine."
	case strings.Contains(lower, "executable file not found") ||
		strings.Contains(lower, "no such file"):
		return "The engine CLI is not installed or not on PATH."
	case strings.Contains(lower, "idle"):
		return "The engine stopped responding and was killed."
	}
	return model.Truncate(msg, 300)
}

// formatElapsed renders a duration the way a human reads a stopwatch:
// seconds under a minute, minutes and seconds above.
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	total := int(d.Seconds())
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}
