package monitor

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"pedestal/detector"
)

// メッセージの種類
const (
	TypeStatus          = "status"
	TypeStateChanged    = "state_changed"
	TypeTriggered       = "triggered"
	TypeDispatchResult  = "dispatch_result"
	TypeCommandHandled  = "command_handled"
	TypeLogNotification = "log_notification"
)

// Message はモニタクライアントに送る JSON メッセージ
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type StatusPayload struct {
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	State     string `json:"state,omitempty"`
	Triggers  int    `json:"triggers"`
	StartedAt string `json:"started_at"`
}

type StateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Time string `json:"time"`
}

type TriggeredPayload struct {
	EventID string `json:"event_id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Time    string `json:"time"`
}

type DispatchResultPayload struct {
	EventID string `json:"event_id"`
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type CommandHandledPayload struct {
	Peer    string `json:"peer"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type LogPayload struct {
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Time       string         `json:"time"`
	Attributes map[string]any `json:"attributes"`
}

// Reporter は検出器、ディスパッチャ、ノードのイベントをモニタメッセージに変換して配信する。
// dispatch.Observer と server.Observer を実装する。
type Reporter struct {
	target Broadcaster
	now    func() time.Time

	mu        sync.Mutex
	role      string
	name      string
	state     string
	triggers  int
	startedAt time.Time
}

// NewReporter は Reporter を作成する
func NewReporter(target Broadcaster, role, name string) *Reporter {
	r := &Reporter{
		target: target,
		now:    time.Now,
		role:   role,
		name:   name,
	}
	r.startedAt = r.now()
	return r
}

// Status は現在の状態のスナップショットを返す。新しいクライアントへの最初のメッセージになる。
func (r *Reporter) Status() ([]byte, error) {
	r.mu.Lock()
	payload := StatusPayload{
		Role:      r.role,
		Name:      r.name,
		State:     r.state,
		Triggers:  r.triggers,
		StartedAt: r.startedAt.Format(time.RFC3339),
	}
	r.mu.Unlock()
	return json.Marshal(Message{Type: TypeStatus, Payload: payload})
}

// StateChanged は detector.Detector.OnStateChange に渡す
func (r *Reporter) StateChanged(from, to detector.State) {
	r.mu.Lock()
	r.state = to.String()
	r.mu.Unlock()
	r.send(TypeStateChanged, StateChangedPayload{
		From: from.String(),
		To:   to.String(),
		Time: r.now().Format(time.RFC3339Nano),
	})
}

// Triggered はトリガーイベントを配信する
func (r *Reporter) Triggered(ev detector.TriggerEvent) {
	r.mu.Lock()
	r.triggers++
	r.mu.Unlock()

	p := TriggeredPayload{
		EventID: ev.ID,
		Time:    ev.CreatedAt.Format(time.RFC3339Nano),
	}
	if ev.Image != nil {
		p.Width = ev.Image.Width()
		p.Height = ev.Image.Height()
	}
	r.send(TypeTriggered, p)
}

// DispatchFinished はターゲット 1 つの処理結果を配信する
func (r *Reporter) DispatchFinished(eventID, target string, err error) {
	p := DispatchResultPayload{EventID: eventID, Target: target, Success: err == nil}
	if err != nil {
		p.Error = err.Error()
	}
	r.send(TypeDispatchResult, p)
}

// CommandHandled はノードが処理したコマンドを配信する
func (r *Reporter) CommandHandled(peer, command string, err error) {
	p := CommandHandledPayload{Peer: peer, Command: command, Success: err == nil}
	if err != nil {
		p.Error = err.Error()
	}
	r.send(TypeCommandHandled, p)
}

func encodeMessage(typ string, payload any) ([]byte, error) {
	return json.Marshal(Message{Type: typ, Payload: payload})
}

func (r *Reporter) send(typ string, payload any) {
	if r.target == nil {
		return
	}
	data, err := encodeMessage(typ, payload)
	if err != nil {
		slog.Debug("モニタメッセージを作成できませんでした", "type", typ, "err", err)
		return
	}
	_ = r.target.BroadcastMessage(data)
}

// SendStatusOnConnect は新しいクライアントに現在の状態を送るよう Hub を設定する
func (r *Reporter) SendStatusOnConnect(h *Hub) {
	h.SetConnectHandler(func(connID string) error {
		data, err := r.Status()
		if err != nil {
			return err
		}
		return h.SendMessage(connID, data)
	})
}
