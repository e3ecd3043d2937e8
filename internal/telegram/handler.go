// Package telegram holds the chat surface: a transport-free command handler
// that turns inbound updates into actions, and a bot that moves those actions
// through the Telegram Bot API.
package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/files"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/streamer"
	"github.com/agentdeck/agentdeck/model"
)

// User is the sender of an update.
type User struct {
	ID       int64
	UserName string
}

// Chat identifies where an update came from. Type is Telegram's chat type:
// only "private" chats are served.
type Chat struct {
	ID   int64
	Type string
}

// Document is an attached file on a message.
type Document struct {
	FileID   string
	FileName string
	FileSize int64
}

// Message is one inbound chat message.
type Message struct {
	MessageID int
	Chat      Chat
	From      User
	Text      string
	Document  *Document
}

// CallbackQuery is one inline keyboard button press.
type CallbackQuery struct {
	ID      string
	From    User
	Message *Message
	Data    string
}

// Update is the handler's view of one inbound Telegram update.
type Update struct {
	UpdateID int64
	Message  *Message
	Callback *CallbackQuery
}

// Action is one outbound effect the transport should perform.
type Action interface{ isAction() }

// Reply sends a plain message to the originating chat.
type Reply struct{ Text string }

// ReplyDocument sends a file from disk with an optional caption.
type ReplyDocument struct {
	Path    string
	Caption string
}

// ReplyKeyboard sends a message with an inline keyboard.
type ReplyKeyboard struct {
	Text string
	Rows [][]streamer.Button
}

// EditKeyboard edits an existing message's text and keyboard in place.
type EditKeyboard struct {
	MessageID int
	Text      string
	Rows      [][]streamer.Button
}

// Toast answers a callback query with a short notification.
type Toast struct {
	CallbackID string
	Text       string
}

func (Reply) isAction()         {}
func (ReplyDocument) isAction() {}
func (ReplyKeyboard) isAction() {}
func (EditKeyboard) isAction()  {}
func (Toast) isAction()         {}

// RunService is the slice of the orchestrator the handler drives.
type RunService interface {
	Enqueue(req orchestrator.EnqueueRequest) (*model.Run, bool, error)
	Cancel(runID string) (bool, error)
}

// Tracker mirrors a queued run into the chat it came from.
type Tracker interface {
	Track(runID string, chatID int64)
}

// Config carries the handler's collaborators that are not stores.
type Config struct {
	OwnerID    int64
	KillSwitch func() bool
	// FetchFile downloads a Telegram file by id; the bot wires this to the
	// Bot API, tests wire a fake.
	FetchFile func(fileID string) (io.ReadCloser, error)
	// ReloadProjects re-reads the projects config, returning how many
	// projects are now registered.
	ReloadProjects func() (int, error)
}

// chatState is the in-memory per-chat selection. The durable parts
// (project, unsafe window) live on the chats row; the rest resets on
// restart, which is fine for a single-owner tool.
type chatState struct {
	mu sync.Mutex

	chatRowID string
	projectID string
	sessionID string
	engine    model.Engine
	modelName string
	agent     string

	unsafeUntil int64
	lastRunID   string
}

// Handler turns updates into actions. It is transport-free so the command
// surface can be tested without Telegram.
type Handler struct {
	store   *store.Store
	runs    RunService
	tracker Tracker
	sandbox *files.Sandbox
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	states map[int64]*chatState
}

func NewHandler(st *store.Store, runs RunService, tracker Tracker, sandbox *files.Sandbox, cfg Config, logger *zap.Logger) *Handler {
	if cfg.KillSwitch == nil {
		cfg.KillSwitch = func() bool { return false }
	}
	return &Handler{
		store:   st,
		runs:    runs,
		tracker: tracker,
		sandbox: sandbox,
		cfg:     cfg,
		logger:  logger,
		states:  make(map[int64]*chatState),
	}
}

// Handle processes one update through the gates (private chat, owner,
// dedupe) and dispatches it. The returned actions are in send order.
func (h *Handler) Handle(u Update) []Action {
	var msg *Message
	switch {
	case u.Message != nil:
		msg = u.Message
	case u.Callback != nil && u.Callback.Message != nil:
		msg = u.Callback.Message
	default:
		return nil
	}
	from := msg.From
	if u.Callback != nil {
		from = u.Callback.From
	}
	chatID := msg.Chat.ID

	if msg.Chat.Type != "private" {
		h.audit(from.ID, chatID, command(u), "", model.AuditDeny, "group-or-non-private-chat")
		return nil
	}
	if from.ID != h.cfg.OwnerID {
		h.audit(from.ID, chatID, command(u), "", model.AuditDeny, "non-owner")
		return []Action{Reply{Text: "Owner only."}}
	}

	accepted, err := h.store.InsertInboxUpdate(&model.InboxUpdate{
		UpdateID:    u.UpdateID,
		ChatID:      chatID,
		PayloadJSON: inboxPayload(u),
	})
	if err != nil {
		h.logger.Error("inbox insert", zap.Int64("update_id", u.UpdateID), zap.Error(err))
		return nil
	}
	if !accepted {
		return nil
	}

	st, err := h.state(chatID)
	if err != nil {
		h.logger.Error("loading chat state", zap.Int64("chat_id", chatID), zap.Error(err))
		return []Action{Reply{Text: "Internal error, try again."}}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var actions []Action
	switch {
	case u.Callback != nil:
		actions = h.handleCallback(st, u.Callback)
	case msg.Document != nil:
		actions = h.handleUpload(st, msg)
	default:
		actions = h.handleText(st, msg)
	}
	return h.decorate(st, actions)
}

// state loads or creates the per-chat state, hydrating the durable fields
// from the chats row. The first project configured is selected by default.
func (h *Handler) state(chatID int64) (*chatState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.states[chatID]; ok {
		return st, nil
	}

	row, err := h.store.GetOrCreateChat("chat-"+strconv.FormatInt(chatID, 10), chatID)
	if err != nil {
		return nil, err
	}
	st := &chatState{
		chatRowID:   row.ID,
		projectID:   row.ProjectID,
		engine:      model.EngineClaude,
		unsafeUntil: row.UnsafeUntil,
	}
	if st.projectID == "" {
		projects, err := h.store.ListProjects()
		if err != nil {
			return nil, err
		}
		if len(projects) > 0 {
			st.projectID = projects[0].ID
			if err := h.store.SetChatProject(row.ID, st.projectID); err != nil {
				return nil, err
			}
		}
	}
	if st.projectID != "" {
		if p, err := h.store.GetProject(st.projectID); err == nil && model.ValidEngine(string(p.DefaultEngine)) {
			st.engine = p.DefaultEngine
		}
	}
	h.states[chatID] = st
	return st, nil
}

func (h *Handler) handleText(st *chatState, msg *Message) []Action {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "/") {
		return h.enqueueRun(st, msg, text)
	}

	cmd, rest := splitCommand(text)
	switch cmd {
	case "/start", "/help":
		return []Action{Reply{Text: helpText}}

	case "/d", "/dashboard":
		text, rows := h.dashboard(st)
		return []Action{ReplyKeyboard{Text: text, Rows: rows}}

	case "/projects":
		return h.cmdProjects()

	case "/use":
		return h.cmdUse(st, rest)

	case "/sessions":
		return h.cmdSessions(st)

	case "/newsession":
		return h.cmdNewSession(st, msg, rest)

	case "/use_session":
		return h.cmdUseSession(st, rest)

	case "/engine":
		if !model.ValidEngine(rest) {
			return []Action{Reply{Text: "Usage: /engine <claude|opencode>"}}
		}
		st.engine = model.Engine(rest)
		st.modelName, st.agent = "", ""
		return []Action{Reply{Text: "Default engine: " + rest}}

	case "/run":
		if rest == "" {
			return []Action{Reply{Text: "Usage: /run <prompt>"}}
		}
		return h.enqueueRun(st, msg, rest)

	case "/continue":
		return h.cmdContinue(st, msg, rest)

	case "/attach":
		return h.cmdAttach(st, msg, rest)

	case "/stop":
		return h.cmdStop(st, msg)

	case "/status":
		return h.cmdStatus(st)

	case "/current":
		return []Action{Reply{Text: h.currentText(st)}}

	case "/whoami":
		return []Action{Reply{Text: fmt.Sprintf("User ID: %d\nChat ID: %d", msg.From.ID, msg.Chat.ID)}}

	case "/enable_unsafe":
		return h.cmdEnableUnsafe(st, rest)

	case "/uploads":
		return h.cmdUploads()

	case "/get":
		return h.cmdGet(st, rest)

	case "/reload_projects":
		return h.cmdReloadProjects(st)

	default:
		return []Action{Reply{Text: "Unknown command. /help lists what I understand."}}
	}
}

// --- run lifecycle commands ---

// enqueueRun is the shared path for bare text, /run, and the prompt forms of
// /continue and /attach.
func (h *Handler) enqueueRun(st *chatState, msg *Message, prompt string) []Action {
	if h.cfg.KillSwitch() {
		h.audit(msg.From.ID, msg.Chat.ID, "run", "", model.AuditDeny, "kill-switch")
		return []Action{Reply{Text: "Maintenance mode: runs are disabled."}}
	}
	if st.projectID == "" {
		return []Action{Reply{Text: "No project selected. Configure projects and /use one."}}
	}
	sess, err := h.ensureSession(st)
	if err != nil {
		h.logger.Error("ensuring session", zap.Error(err))
		return []Action{Reply{Text: "Could not prepare a session: " + err.Error()}}
	}
	// The model/agent pick lives on the session so the executor sees it;
	// sync it here in case the pick changed since the session was created.
	if sess.ModelName != st.modelName || sess.Agent != st.agent {
		if err := h.store.SetSessionModelAgent(sess.ID, st.modelName, st.agent); err != nil {
			h.logger.Error("persisting model selection", zap.Error(err))
		} else {
			sess.ModelName, sess.Agent = st.modelName, st.agent
		}
	}

	key := fmt.Sprintf("tg:%d:%d", msg.Chat.ID, msg.MessageID)
	run, created, err := h.runs.Enqueue(orchestrator.EnqueueRequest{
		ProjectID:      st.projectID,
		SessionID:      sess.ID,
		Prompt:         prompt,
		IdempotencyKey: key,
	})
	switch {
	case errors.Is(err, orchestrator.ErrSessionActive):
		return []Action{Reply{Text: "A run is already active on this session. /stop it or wait."}}
	case errors.Is(err, orchestrator.ErrRunsDisabled):
		h.audit(msg.From.ID, msg.Chat.ID, "run", "", model.AuditDeny, "kill-switch")
		return []Action{Reply{Text: "Maintenance mode: runs are disabled."}}
	case err != nil:
		h.logger.Error("enqueue", zap.Error(err))
		return []Action{Reply{Text: "Could not queue the run: " + err.Error()}}
	}

	st.lastRunID = run.ID
	if created {
		h.audit(msg.From.ID, msg.Chat.ID, "run", run.ID, model.AuditAllow, "")
		h.tracker.Track(run.ID, msg.Chat.ID)
	}
	return []Action{Reply{Text: "Run queued: " + run.ID}}
}

// ensureSession returns the selected session, or creates one on the current
// project with the default engine when nothing is selected yet.
func (h *Handler) ensureSession(st *chatState) (*model.Session, error) {
	if st.sessionID != "" {
		sess, err := h.store.GetSession(st.sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		st.sessionID = ""
	}
	sess := &model.Session{
		ID:        newID(),
		ProjectID: st.projectID,
		ChatID:    st.chatRowID,
		Provider:  st.engine,
		ModelName: st.modelName,
		Agent:     st.agent,
	}
	if err := h.store.CreateSession(sess); err != nil {
		return nil, err
	}
	st.sessionID = sess.ID
	return sess, nil
}

func (h *Handler) cmdContinue(st *chatState, msg *Message, rest string) []Action {
	sess, err := h.ensureSession(st)
	if err != nil {
		return []Action{Reply{Text: "Could not prepare a session: " + err.Error()}}
	}
	if err := h.store.SetSessionEngineID(sess.ID, model.EngineSessionContinue); err != nil {
		return []Action{Reply{Text: "Could not mark the session: " + err.Error()}}
	}
	if rest != "" {
		return h.enqueueRun(st, msg, rest)
	}
	return []Action{Reply{Text: "Next run continues the CLI's most recent conversation."}}
}

func (h *Handler) cmdAttach(st *chatState, msg *Message, rest string) []Action {
	engineID, prompt, _ := strings.Cut(rest, " ")
	if engineID == "" {
		return []Action{Reply{Text: "Usage: /attach <engineSessionId> [prompt]"}}
	}
	sess, err := h.ensureSession(st)
	if err != nil {
		return []Action{Reply{Text: "Could not prepare a session: " + err.Error()}}
	}
	if err := h.store.SetSessionEngineID(sess.ID, engineID); err != nil {
		return []Action{Reply{Text: "Could not attach: " + err.Error()}}
	}
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		return h.enqueueRun(st, msg, prompt)
	}
	return []Action{Reply{Text: "Attached to engine session " + engineID + ". Next run resumes it."}}
}

func (h *Handler) cmdStop(st *chatState, msg *Message) []Action {
	runID := st.lastRunID
	if runID == "" && st.sessionID != "" {
		if run, err := h.store.FindActiveRunBySession(st.sessionID); err == nil {
			runID = run.ID
		}
	}
	if runID == "" {
		return []Action{Reply{Text: "Nothing to stop."}}
	}
	cancelled, err := h.runs.Cancel(runID)
	if err != nil {
		return []Action{Reply{Text: "Could not stop the run: " + err.Error()}}
	}
	if !cancelled {
		return []Action{Reply{Text: "Run " + runID + " already finished."}}
	}
	h.audit(msg.From.ID, msg.Chat.ID, "stop", runID, model.AuditAllow, "")
	return []Action{Reply{Text: "Stopping run " + runID + "."}}
}

func (h *Handler) cmdStatus(st *chatState) []Action {
	runID := st.lastRunID
	if runID == "" && st.sessionID != "" {
		if run, err := h.store.FindActiveRunBySession(st.sessionID); err == nil {
			runID = run.ID
		}
	}
	if runID == "" {
		return []Action{Reply{Text: "No runs yet on this chat."}}
	}
	run, err := h.store.GetRun(runID)
	if err != nil {
		return []Action{Reply{Text: "Run " + runID + " not found."}}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(&b, "Prompt: %s", model.Truncate(run.Prompt, 120))
	if run.SummaryJSON != "" {
		var sum model.RunSummary
		if json.Unmarshal([]byte(run.SummaryJSON), &sum) == nil {
			fmt.Fprintf(&b, "\nDuration: %s · %d tool calls · %d bytes out",
				formatElapsedMillis(sum.DurationMs), sum.ToolCallsCount, sum.BytesOut)
		}
	}
	return []Action{Reply{Text: b.String()}}
}

// --- selection commands ---

func (h *Handler) cmdProjects() []Action {
	projects, err := h.store.ListProjects()
	if err != nil {
		return []Action{Reply{Text: "Could not list projects: " + err.Error()}}
	}
	if len(projects) == 0 {
		return []Action{Reply{Text: "No projects configured."}}
	}
	var b strings.Builder
	b.WriteString("Projects:\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "• %s — %s (%s)\n  %s\n", p.ID, p.Name, p.DefaultEngine, p.RootPath)
	}
	b.WriteString("Select one with /use <id>.")
	return []Action{Reply{Text: b.String()}}
}

func (h *Handler) cmdUse(st *chatState, rest string) []Action {
	if rest == "" {
		return []Action{Reply{Text: "Usage: /use <projectId>"}}
	}
	p, err := h.store.GetProject(rest)
	if err != nil {
		return []Action{Reply{Text: "Unknown project " + rest + ". /projects lists them."}}
	}
	if err := h.selectProject(st, p); err != nil {
		return []Action{Reply{Text: "Could not select project: " + err.Error()}}
	}
	return []Action{Reply{Text: "Project: " + p.Name + " (" + p.ID + ")"}}
}

func (h *Handler) selectProject(st *chatState, p *model.Project) error {
	if err := h.store.SetChatProject(st.chatRowID, p.ID); err != nil {
		return err
	}
	st.projectID = p.ID
	st.sessionID = ""
	st.modelName, st.agent = "", ""
	if model.ValidEngine(string(p.DefaultEngine)) {
		st.engine = p.DefaultEngine
	}
	return nil
}

func (h *Handler) cmdSessions(st *chatState) []Action {
	if st.projectID == "" {
		return []Action{Reply{Text: "No project selected."}}
	}
	sessions, err := h.store.ListSessionsByProject(st.projectID, 10)
	if err != nil {
		return []Action{Reply{Text: "Could not list sessions: " + err.Error()}}
	}
	if len(sessions) == 0 {
		return []Action{Reply{Text: "No sessions yet. /newsession <engine> starts one."}}
	}
	var b strings.Builder
	b.WriteString("Sessions (most recent first):\n")
	for _, sess := range sessions {
		marker := " "
		if sess.ID == st.sessionID {
			marker = "✅"
		}
		fmt.Fprintf(&b, "%s %s · %s", marker, sess.ID, sess.Provider)
		if sess.EngineSessionID != "" && sess.EngineSessionID != model.EngineSessionContinue {
			fmt.Fprintf(&b, " · cli:%s", sess.EngineSessionID)
		}
		if sess.Prompt != "" {
			fmt.Fprintf(&b, " · %s", model.Truncate(sess.Prompt, 40))
		}
		b.WriteString("\n")
	}
	b.WriteString("Switch with /use_session <id>.")
	return []Action{Reply{Text: b.String()}}
}

func (h *Handler) cmdNewSession(st *chatState, msg *Message, rest string) []Action {
	engine, name, _ := strings.Cut(rest, " ")
	if !model.ValidEngine(engine) {
		return []Action{Reply{Text: "Usage: /newsession <claude|opencode> [name]"}}
	}
	if st.projectID == "" {
		return []Action{Reply{Text: "No project selected."}}
	}
	if model.Engine(engine) != st.engine {
		st.modelName, st.agent = "", ""
	}
	sess := &model.Session{
		ID:        newID(),
		ProjectID: st.projectID,
		ChatID:    st.chatRowID,
		Provider:  model.Engine(engine),
		ModelName: st.modelName,
		Agent:     st.agent,
		Prompt:    strings.TrimSpace(name),
	}
	if err := h.store.CreateSession(sess); err != nil {
		return []Action{Reply{Text: "Could not create session: " + err.Error()}}
	}
	st.sessionID = sess.ID
	st.engine = sess.Provider
	return []Action{Reply{Text: "Session " + sess.ID + " created on " + engine + "."}}
}

func (h *Handler) cmdUseSession(st *chatState, rest string) []Action {
	if rest == "" {
		return []Action{Reply{Text: "Usage: /use_session <id>"}}
	}
	sess, err := h.store.GetSession(rest)
	if err != nil || sess.ProjectID != st.projectID {
		return []Action{Reply{Text: "Unknown session " + rest + " on this project."}}
	}
	st.sessionID = sess.ID
	st.engine = sess.Provider
	st.modelName, st.agent = sess.ModelName, sess.Agent
	return []Action{Reply{Text: "Session: " + sess.ID + " (" + string(sess.Provider) + ")"}}
}

func (h *Handler) cmdEnableUnsafe(st *chatState, rest string) []Action {
	minutes, err := strconv.Atoi(rest)
	if err != nil || minutes <= 0 {
		return []Action{Reply{Text: "Usage: /enable_unsafe <minutes>"}}
	}
	until := model.NowMillis() + int64(minutes)*60_000
	if err := h.store.SetChatUnsafeUntil(st.chatRowID, until); err != nil {
		return []Action{Reply{Text: "Could not enable unsafe mode: " + err.Error()}}
	}
	st.unsafeUntil = until
	return []Action{Reply{Text: fmt.Sprintf("Unsafe mode enabled for %d minutes.", minutes)}}
}

// --- files ---

func (h *Handler) handleUpload(st *chatState, msg *Message) []Action {
	doc := msg.Document
	if h.cfg.FetchFile == nil {
		return []Action{Reply{Text: "Uploads are not configured."}}
	}
	rc, err := h.cfg.FetchFile(doc.FileID)
	if err != nil {
		return []Action{Reply{Text: "Could not download the file: " + err.Error()}}
	}
	defer rc.Close()

	record, err := h.sandbox.SaveUpload(msg.Chat.ID, doc.FileName, rc)
	if errors.Is(err, files.ErrTooLarge) {
		return []Action{Reply{Text: "File too large for the upload limit."}}
	}
	if err != nil {
		return []Action{Reply{Text: "Could not save the file: " + err.Error()}}
	}
	return []Action{Reply{Text: fmt.Sprintf(
		"Saved %s (%d bytes, sha256 %s…). /uploads lists everything.",
		record.StoredRelPath, record.SizeBytes, model.Truncate(record.SHA256, 12))}}
}

func (h *Handler) cmdUploads() []Action {
	records, err := h.sandbox.ListUploads(20)
	if err != nil {
		return []Action{Reply{Text: "Could not list uploads: " + err.Error()}}
	}
	if len(records) == 0 {
		return []Action{Reply{Text: "No file transfers yet."}}
	}
	var b strings.Builder
	b.WriteString("Recent transfers:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "• [%s] %s (%d bytes)\n", r.Direction, r.StoredRelPath, r.SizeBytes)
	}
	return []Action{Reply{Text: strings.TrimRight(b.String(), "\n")}}
}

func (h *Handler) cmdGet(st *chatState, rest string) []Action {
	if rest == "" {
		return []Action{Reply{Text: "Usage: /get <path relative to the project root>"}}
	}
	if st.projectID == "" {
		return []Action{Reply{Text: "No project selected."}}
	}
	p, err := h.store.GetProject(st.projectID)
	if err != nil {
		return []Action{Reply{Text: "Project vanished: " + err.Error()}}
	}
	f, record, err := h.sandbox.OpenProjectFile(p.RootPath, rest)
	if errors.Is(err, files.ErrOutsideRoot) {
		return []Action{Reply{Text: "That path is outside the project."}}
	}
	if os.IsNotExist(err) {
		return []Action{Reply{Text: "No such file: " + rest}}
	}
	if err != nil {
		return []Action{Reply{Text: "Could not open the file: " + err.Error()}}
	}
	path := f.Name()
	f.Close()
	return []Action{ReplyDocument{
		Path:    path,
		Caption: fmt.Sprintf("%s (%d bytes)", rest, record.SizeBytes),
	}}
}

func (h *Handler) cmdReloadProjects(st *chatState) []Action {
	if h.cfg.ReloadProjects == nil {
		return []Action{Reply{Text: "Project reload is not configured."}}
	}
	n, err := h.cfg.ReloadProjects()
	if err != nil {
		return []Action{Reply{Text: "Reload failed: " + err.Error()}}
	}
	// The selected project may have been removed by the reload.
	if st.projectID != "" {
		if _, err := h.store.GetProject(st.projectID); err != nil {
			st.projectID = ""
			st.sessionID = ""
		}
	}
	return []Action{Reply{Text: fmt.Sprintf("Reloaded: %d projects registered.", n)}}
}

// --- status texts ---

func (h *Handler) currentText(st *chatState) string {
	var b strings.Builder
	b.WriteString("Current selection:\n")
	projectLabel := "(none)"
	if st.projectID != "" {
		projectLabel = st.projectID
		if p, err := h.store.GetProject(st.projectID); err == nil {
			projectLabel = p.Name + " (" + p.ID + ")"
		}
	}
	fmt.Fprintf(&b, "Project: %s\n", projectLabel)
	sessionLabel := "(new on next run)"
	if st.sessionID != "" {
		sessionLabel = st.sessionID
		if sess, err := h.store.GetSession(st.sessionID); err == nil && sess.EngineSessionID != "" {
			if sess.EngineSessionID == model.EngineSessionContinue {
				sessionLabel += " · continues CLI conversation"
			} else {
				sessionLabel += " · cli:" + sess.EngineSessionID
			}
		}
	}
	fmt.Fprintf(&b, "Session: %s\n", sessionLabel)
	fmt.Fprintf(&b, "Engine: %s", st.engine)
	if st.modelName != "" {
		fmt.Fprintf(&b, "\nModel: %s", st.modelName)
	}
	if st.agent != "" {
		fmt.Fprintf(&b, "\nAgent: %s", st.agent)
	}
	if st.unsafeUntil > model.NowMillis() {
		fmt.Fprintf(&b, "\nUnsafe until: %s", isoTime(st.unsafeUntil))
	}
	return b.String()
}

// decorate prefixes outbound text with the unsafe banner while the window
// is open, so the owner always sees elevated permissions are live.
func (h *Handler) decorate(st *chatState, actions []Action) []Action {
	if st.unsafeUntil <= model.NowMillis() {
		return actions
	}
	banner := "⚠️ UNSAFE MODE (expires " + isoTime(st.unsafeUntil) + ")\n\n"
	for i, a := range actions {
		switch v := a.(type) {
		case Reply:
			v.Text = banner + v.Text
			actions[i] = v
		case ReplyKeyboard:
			v.Text = banner + v.Text
			actions[i] = v
		case EditKeyboard:
			v.Text = banner + v.Text
			actions[i] = v
		}
	}
	return actions
}

func (h *Handler) audit(userID, chatID int64, cmd, runID string, decision model.AuditDecision, reason string) {
	err := h.store.AppendAudit(&model.AuditEntry{
		UserID:   userID,
		ChatID:   chatID,
		Command:  cmd,
		RunID:    runID,
		Decision: decision,
		Reason:   reason,
	})
	if err != nil {
		h.logger.Error("audit append", zap.Error(err))
	}
}

// --- small helpers ---

func newID() string {
	return uuid.NewString()[:8]
}

func splitCommand(text string) (cmd, rest string) {
	cmd, rest, _ = strings.Cut(text, " ")
	// Telegram appends @botname when commands come from a mention.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func command(u Update) string {
	if u.Callback != nil {
		return "callback:" + u.Callback.Data
	}
	if u.Message != nil {
		cmd, _ := splitCommand(strings.TrimSpace(u.Message.Text))
		if strings.HasPrefix(cmd, "/") {
			return cmd
		}
		return "run"
	}
	return ""
}

func inboxPayload(u Update) string {
	payload := map[string]any{"update_id": u.UpdateID}
	if u.Message != nil {
		payload["text"] = model.Truncate(u.Message.Text, 200)
	}
	if u.Callback != nil {
		payload["data"] = u.Callback.Data
	}
	out, _ := json.Marshal(payload)
	return string(out)
}

func isoTime(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(time.RFC3339)
}

func formatElapsedMillis(ms int64) string {
	total := ms / 1000
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}

const helpText = `AgentDeck drives coding-agent CLIs from this chat, one prompt at a time.

Send any text to run it as a prompt on the current session.

/d, /dashboard — interactive control panel
/projects, /use <id> — list and select projects
/sessions, /use_session <id> — list and select sessions
/newsession <claude|opencode> [name] — start a fresh session
/engine <claude|opencode> — default engine for new sessions
/run <prompt> — run a prompt explicitly
/continue [prompt] — continue the CLI's most recent conversation
/attach <engineSessionId> [prompt] — resume a specific CLI session
/stop — cancel the latest run
/status — latest run's status and summary
/current — current project/session/engine selection
/enable_unsafe <minutes> — open the unsafe window (writes + shell)
/uploads — recent file transfers
/get <path> — download a file from the project
/reload_projects — re-read the projects config
/whoami — your Telegram ids

Attach a document to drop it into the upload inbox.`
