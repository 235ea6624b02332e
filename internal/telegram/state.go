package telegram

import (
	"sync"

	"github.com/digkill/TGRenderBot/internal/models"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingPrompt
)

type Session struct {
	State           SessionState
	Kind            models.TaskKind
	AspectRatio     string
	DurationSeconds int
	ReferenceURLs   []string
	// LastTaskID lets /cancel and /status work without an explicit argument.
	LastTaskID string
}

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]*Session),
	}
}

func (m *StateManager) Get(chatID int64) *Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		return session
	}
	return &Session{
		State:         StateIdle,
		AspectRatio:   "1:1",
		ReferenceURLs: make([]string, 0),
	}
}

func (m *StateManager) Set(chatID int64, session *Session) {
	m.mu.Lock()
	m.sessions[chatID] = session
	m.mu.Unlock()
}

// Reset clears the conversation state but keeps the last task id so /status
// still answers after delivery.
func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	lastTask := ""
	if session, ok := m.sessions[chatID]; ok {
		lastTask = session.LastTaskID
	}
	m.sessions[chatID] = &Session{
		State:         StateIdle,
		AspectRatio:   "1:1",
		ReferenceURLs: make([]string, 0),
		LastTaskID:    lastTask,
	}
	m.mu.Unlock()
}

func (m *StateManager) SetLastTask(chatID int64, taskID string) {
	m.mu.Lock()
	if session, ok := m.sessions[chatID]; ok {
		session.LastTaskID = taskID
	} else {
		m.sessions[chatID] = &Session{
			State:         StateIdle,
			AspectRatio:   "1:1",
			ReferenceURLs: make([]string, 0),
			LastTaskID:    taskID,
		}
	}
	m.mu.Unlock()
}

func (m *StateManager) ClearReferences(chatID int64) {
	m.mu.Lock()
	if session, ok := m.sessions[chatID]; ok {
		session.ReferenceURLs = make([]string, 0)
	}
	m.mu.Unlock()
}
