package main

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kwv/navdash/gridmap"
)

// TopicMessage is the latest message seen on a subscribed topic
type TopicMessage struct {
	Topic    string          `json:"topic"`
	Type     string          `json:"type"`
	Msg      json.RawMessage `json:"msg"`
	Received time.Time       `json:"received"`
	Count    uint64          `json:"count"`
}

// RobotPose is the last reported robot pose in world coordinates
type RobotPose struct {
	FrameID   string    `json:"frameId"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Theta     float64   `json:"theta"`
	Timestamp time.Time `json:"timestamp"`
}

// StateTracker keeps live dashboard state: last message per topic, robot
// pose and the in-memory goal list. It implements gridmap.GoalStore.
type StateTracker struct {
	mu       sync.RWMutex
	messages map[string]*TopicMessage
	pose     *RobotPose
	goals    []gridmap.GoalPoint
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		messages: make(map[string]*TopicMessage),
	}
}

// RecordMessage stores msg as the latest message on topic
func (st *StateTracker) RecordMessage(topic, msgType string, msg json.RawMessage) {
	st.mu.Lock()
	defer st.mu.Unlock()

	tm, ok := st.messages[topic]
	if !ok {
		tm = &TopicMessage{Topic: topic}
		st.messages[topic] = tm
	}
	tm.Type = msgType
	tm.Msg = append(json.RawMessage(nil), msg...)
	tm.Received = time.Now()
	tm.Count++
}

// Messages returns copies of the latest messages sorted by topic
func (st *StateTracker) Messages() []TopicMessage {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make([]TopicMessage, 0, len(st.messages))
	for _, tm := range st.messages {
		result = append(result, *tm)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

// Message returns the latest message on topic
func (st *StateTracker) Message(topic string) (TopicMessage, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	tm, ok := st.messages[topic]
	if !ok {
		return TopicMessage{}, false
	}
	return *tm, true
}

// UpdatePose records the robot pose
func (st *StateTracker) UpdatePose(p RobotPose) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pose = &p
}

// Pose returns the last robot pose, if any was received
func (st *StateTracker) Pose() (RobotPose, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.pose == nil {
		return RobotPose{}, false
	}
	return *st.pose, true
}

// Load returns a copy of the stored goals
func (st *StateTracker) Load() ([]gridmap.GoalPoint, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]gridmap.GoalPoint(nil), st.goals...), nil
}

// Save replaces the stored goals
func (st *StateTracker) Save(goals []gridmap.GoalPoint) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.goals = append([]gridmap.GoalPoint(nil), goals...)
	return nil
}
