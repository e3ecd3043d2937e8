package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/streamer"
	"github.com/agentdeck/agentdeck/model"
)

// Known model aliases per engine, offered in the Models submenu. Anything
// else is reachable through /attach-style manual selection later.
var claudeModels = []string{"sonnet", "opus", "haiku"}
var opencodeAgents = []string{"build", "plan"}

// dashboard renders the control panel: current selection text plus the
// keyboard that drives everything without typing.
func (h *Handler) dashboard(st *chatState) (string, [][]streamer.Button) {
	var b strings.Builder
	b.WriteString("📟 AgentDeck\n")
	b.WriteString(h.currentText(st))

	var rows [][]streamer.Button

	projects, err := h.store.ListProjects()
	if err != nil {
		h.logger.Error("listing projects for dashboard", zap.Error(err))
	}
	var row []streamer.Button
	for _, p := range projects {
		label := p.Name
		if p.ID == st.projectID {
			label = "✅ " + label
		}
		row = append(row, streamer.Button{Text: label, Data: "proj:" + p.ID})
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	other := model.EngineOpenCode
	if st.engine == model.EngineOpenCode {
		other = model.EngineClaude
	}
	rows = append(rows, []streamer.Button{
		{Text: "Engine → " + string(other), Data: "engine:" + string(other)},
		{Text: "Models", Data: "models"},
	})
	rows = append(rows, []streamer.Button{
		{Text: "🆕 New session", Data: "newsession"},
		{Text: "📚 Sessions", Data: "sessions"},
		{Text: "⏩ Continue", Data: "continue"},
	})
	rows = append(rows, []streamer.Button{
		{Text: "Unsafe 30m", Data: "unsafe:30"},
		{Text: "Unsafe 60m", Data: "unsafe:60"},
		{Text: "Unsafe off", Data: "unsafe_off"},
	})
	rows = append(rows, []streamer.Button{{Text: "🔄 Refresh", Data: "refresh"}})
	return b.String(), rows
}

// handleCallback dispatches one button press. Most branches edit the
// dashboard message in place and confirm with a toast.
func (h *Handler) handleCallback(st *chatState, cb *CallbackQuery) []Action {
	data := cb.Data
	msgID := cb.Message.MessageID

	editDashboard := func(toast string) []Action {
		text, rows := h.dashboard(st)
		actions := []Action{EditKeyboard{MessageID: msgID, Text: text, Rows: rows}}
		if toast != "" {
			actions = append(actions, Toast{CallbackID: cb.ID, Text: toast})
		}
		return actions
	}

	switch {
	case strings.HasPrefix(data, "stop_run:"):
		runID := strings.TrimPrefix(data, "stop_run:")
		cancelled, err := h.runs.Cancel(runID)
		switch {
		case err != nil:
			return []Action{Toast{CallbackID: cb.ID, Text: "Stop failed: " + err.Error()}}
		case !cancelled:
			return []Action{Toast{CallbackID: cb.ID, Text: "Run already finished."}}
		}
		h.audit(cb.From.ID, cb.Message.Chat.ID, "stop", runID, model.AuditAllow, "")
		return []Action{Toast{CallbackID: cb.ID, Text: "Stopping…"}}

	case strings.HasPrefix(data, "proj:"):
		id := strings.TrimPrefix(data, "proj:")
		p, err := h.store.GetProject(id)
		if err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Project is gone. Refresh."}}
		}
		if err := h.selectProject(st, p); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Select failed: " + err.Error()}}
		}
		return editDashboard("Project: " + p.Name)

	case strings.HasPrefix(data, "engine:"):
		engine := strings.TrimPrefix(data, "engine:")
		if !model.ValidEngine(engine) {
			return []Action{Toast{CallbackID: cb.ID, Text: "Unknown engine."}}
		}
		st.engine = model.Engine(engine)
		st.modelName, st.agent = "", ""
		return editDashboard("Engine: " + engine)

	case data == "models":
		return []Action{EditKeyboard{
			MessageID: msgID,
			Text:      "Pick a model or agent for " + string(st.engine) + ":",
			Rows:      h.modelRows(st),
		}}

	case strings.HasPrefix(data, "model:"):
		st.modelName = strings.TrimPrefix(data, "model:")
		if err := h.persistModelAgent(st); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Failed: " + err.Error()}}
		}
		toast := "Model: default"
		if st.modelName != "" {
			toast = "Model: " + st.modelName
		}
		return editDashboard(toast)

	case strings.HasPrefix(data, "agent:"):
		st.agent = strings.TrimPrefix(data, "agent:")
		if err := h.persistModelAgent(st); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Failed: " + err.Error()}}
		}
		toast := "Agent: default"
		if st.agent != "" {
			toast = "Agent: " + st.agent
		}
		return editDashboard(toast)

	case data == "newsession":
		sess := &model.Session{
			ID:        newID(),
			ProjectID: st.projectID,
			ChatID:    st.chatRowID,
			Provider:  st.engine,
			ModelName: st.modelName,
			Agent:     st.agent,
		}
		if st.projectID == "" {
			return []Action{Toast{CallbackID: cb.ID, Text: "Select a project first."}}
		}
		if err := h.store.CreateSession(sess); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Create failed: " + err.Error()}}
		}
		st.sessionID = sess.ID
		return editDashboard("Session " + sess.ID + " created.")

	case data == "continue":
		sess, err := h.ensureSession(st)
		if err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "No session: " + err.Error()}}
		}
		if err := h.store.SetSessionEngineID(sess.ID, model.EngineSessionContinue); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Failed: " + err.Error()}}
		}
		return editDashboard("Next run continues the CLI conversation.")

	case data == "sessions":
		return h.sessionsMenu(st, cb)

	case strings.HasPrefix(data, "session:"):
		id := strings.TrimPrefix(data, "session:")
		sess, err := h.store.GetSession(id)
		if err != nil || sess.ProjectID != st.projectID {
			return []Action{Toast{CallbackID: cb.ID, Text: "Session is gone. Refresh."}}
		}
		st.sessionID = sess.ID
		st.engine = sess.Provider
		st.modelName, st.agent = sess.ModelName, sess.Agent
		return editDashboard("Session: " + sess.ID)

	case data == "clisessions":
		return h.cliSessionsMenu(st, cb)

	case strings.HasPrefix(data, "clipeek:"):
		return h.cliPeek(st, cb, strings.TrimPrefix(data, "clipeek:"))

	case strings.HasPrefix(data, "cliattach:"):
		engineID := strings.TrimPrefix(data, "cliattach:")
		sess, err := h.ensureSession(st)
		if err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "No session: " + err.Error()}}
		}
		if err := h.store.SetSessionEngineID(sess.ID, engineID); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Attach failed: " + err.Error()}}
		}
		return editDashboard("Attached to " + engineID)

	case strings.HasPrefix(data, "unsafe:"):
		minutes, err := strconv.Atoi(strings.TrimPrefix(data, "unsafe:"))
		if err != nil || minutes <= 0 {
			return []Action{Toast{CallbackID: cb.ID, Text: "Bad unsafe duration."}}
		}
		until := model.NowMillis() + int64(minutes)*60_000
		if err := h.store.SetChatUnsafeUntil(st.chatRowID, until); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Failed: " + err.Error()}}
		}
		st.unsafeUntil = until
		return editDashboard(fmt.Sprintf("Unsafe mode: %d minutes.", minutes))

	case data == "unsafe_off":
		if err := h.store.SetChatUnsafeUntil(st.chatRowID, 0); err != nil {
			return []Action{Toast{CallbackID: cb.ID, Text: "Failed: " + err.Error()}}
		}
		st.unsafeUntil = 0
		return editDashboard("Unsafe mode off.")

	case data == "refresh", data == "back":
		return editDashboard("")

	default:
		return []Action{Toast{CallbackID: cb.ID, Text: "Unknown action."}}
	}
}

// persistModelAgent writes the current pick onto the selected session, where
// the executor reads it. Without a session the pick is applied when one is
// created.
func (h *Handler) persistModelAgent(st *chatState) error {
	if st.sessionID == "" {
		return nil
	}
	return h.store.SetSessionModelAgent(st.sessionID, st.modelName, st.agent)
}

func (h *Handler) modelRows(st *chatState) [][]streamer.Button {
	var rows [][]streamer.Button
	if st.engine == model.EngineClaude {
		row := []streamer.Button{{Text: "Default", Data: "model:"}}
		for _, m := range claudeModels {
			row = append(row, streamer.Button{Text: m, Data: "model:" + m})
		}
		rows = append(rows, row)
	} else {
		row := []streamer.Button{{Text: "Default agent", Data: "agent:"}}
		for _, a := range opencodeAgents {
			row = append(row, streamer.Button{Text: a, Data: "agent:" + a})
		}
		rows = append(rows, row)
	}
	rows = append(rows, []streamer.Button{{Text: "← Back", Data: "back"}})
	return rows
}

func (h *Handler) sessionsMenu(st *chatState, cb *CallbackQuery) []Action {
	sessions, err := h.store.ListSessionsByProject(st.projectID, 8)
	if err != nil {
		return []Action{Toast{CallbackID: cb.ID, Text: "List failed: " + err.Error()}}
	}
	var rows [][]streamer.Button
	for _, sess := range sessions {
		label := sess.ID + " · " + string(sess.Provider)
		if sess.ID == st.sessionID {
			label = "✅ " + label
		}
		rows = append(rows, []streamer.Button{{Text: label, Data: "session:" + sess.ID}})
	}
	rows = append(rows, []streamer.Button{
		{Text: "CLI sessions", Data: "clisessions"},
		{Text: "← Back", Data: "back"},
	})
	return []Action{EditKeyboard{
		MessageID: cb.Message.MessageID,
		Text:      "Sessions on this project:",
		Rows:      rows,
	}}
}

// cliSessionsMenu lists sessions that captured an engine-side session id,
// the ones a new session can attach to.
func (h *Handler) cliSessionsMenu(st *chatState, cb *CallbackQuery) []Action {
	sessions, err := h.store.ListSessionsByProject(st.projectID, 0)
	if err != nil {
		return []Action{Toast{CallbackID: cb.ID, Text: "List failed: " + err.Error()}}
	}
	var rows [][]streamer.Button
	for _, sess := range sessions {
		if sess.EngineSessionID == "" || sess.EngineSessionID == model.EngineSessionContinue {
			continue
		}
		rows = append(rows, []streamer.Button{{
			Text: string(sess.Provider) + " · " + model.Truncate(sess.EngineSessionID, 24),
			Data: "clipeek:" + sess.ID,
		}})
		if len(rows) == 8 {
			break
		}
	}
	text := "CLI-side sessions seen on this project:"
	if len(rows) == 0 {
		text = "No CLI-side sessions captured yet."
	}
	rows = append(rows, []streamer.Button{{Text: "← Back", Data: "back"}})
	return []Action{EditKeyboard{MessageID: cb.Message.MessageID, Text: text, Rows: rows}}
}

func (h *Handler) cliPeek(st *chatState, cb *CallbackQuery, sessionID string) []Action {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return []Action{Toast{CallbackID: cb.ID, Text: "Session is gone."}}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s)\n", sess.ID, sess.Provider)
	fmt.Fprintf(&b, "Engine session: %s\n", sess.EngineSessionID)
	if sess.Prompt != "" {
		fmt.Fprintf(&b, "Label: %s\n", model.Truncate(sess.Prompt, 80))
	}
	fmt.Fprintf(&b, "Last activity: %s", isoTime(sess.UpdatedAt))
	rows := [][]streamer.Button{
		{{Text: "Attach here", Data: "cliattach:" + sess.EngineSessionID}},
		{{Text: "← Back", Data: "clisessions"}},
	}
	return []Action{EditKeyboard{MessageID: cb.Message.MessageID, Text: b.String(), Rows: rows}}
}
