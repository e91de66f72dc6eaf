package rooms

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const mappingsFile = "channel_mappings.json"

// Manager exclusively owns rooms and the channel→room mapping table.
// State is one JSON file per room plus channel_mappings.json, all under
// the storage directory.
type Manager struct {
	mu       sync.RWMutex
	dir      string
	rooms    map[string]*Room
	mappings map[string]string // "channel:chat_id" → room ID
	leader   string            // default participant for new rooms
}

func NewManager(dir, leaderBot string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("rooms: create storage: %w", err)
	}

	m := &Manager{
		dir:      dir,
		rooms:    make(map[string]*Room),
		mappings: make(map[string]string),
		leader:   leaderBot,
	}
	if err := m.loadAll(); err != nil {
		return nil, err
	}
	if err := m.ensureGeneral(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadAll() error {
	files, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("rooms: read storage: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" || f.Name() == mappingsFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, f.Name()))
		if err != nil {
			slog.Warn("rooms: skipping unreadable room file", "file", f.Name(), "error", err)
			continue
		}
		var r Room
		if err := json.Unmarshal(data, &r); err != nil {
			slog.Warn("rooms: skipping corrupt room file", "file", f.Name(), "error", err)
			continue
		}
		m.rooms[r.ID] = &r
	}

	data, err := os.ReadFile(filepath.Join(m.dir, mappingsFile))
	if err == nil {
		if err := json.Unmarshal(data, &m.mappings); err != nil {
			return fmt.Errorf("rooms: corrupt channel mappings: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("rooms: read channel mappings: %w", err)
	}
	return nil
}

// ensureGeneral guarantees the general room exists on start.
func (m *Manager) ensureGeneral() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[GeneralRoomID]; ok {
		return nil
	}
	participants := []string{}
	if m.leader != "" {
		participants = append(participants, m.leader)
	}
	r := &Room{
		ID:           GeneralRoomID,
		Name:         "General",
		Type:         TypeOpen,
		Participants: participants,
		Created:      time.Now(),
		Updated:      time.Now(),
	}
	m.rooms[r.ID] = r
	return m.persistRoom(r)
}

// persistRoom writes one room file atomically. Caller holds the lock.
func (m *Manager) persistRoom(r *Room) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, r.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("rooms: write room %s: %w", r.ID, err)
	}
	return os.Rename(tmp, path)
}

// persistMappings writes the channel map. Caller holds the lock.
func (m *Manager) persistMappings() error {
	data, err := json.MarshalIndent(m.mappings, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, mappingsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("rooms: write channel mappings: %w", err)
	}
	return os.Rename(tmp, path)
}

// Get returns a room by ID.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// List returns all rooms.
func (m *Manager) List() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Create makes a new room. The ID is "<short_id>-<slug>" unless useShortID
// is false, in which case the bare slug is used. Empty participants default
// to the leader bot.
func (m *Manager) Create(name string, roomType RoomType, participants []string, useShortID bool) (*Room, error) {
	if roomType == "" {
		roomType = TypeProject
	}
	if len(participants) == 0 && m.leader != "" {
		participants = []string{m.leader}
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("rooms: room needs at least one participant")
	}

	slug := Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("rooms: invalid room name %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := slug
	if useShortID {
		id = NewShortID() + "-" + slug
		for m.rooms[id] != nil {
			id = NewShortID() + "-" + slug
		}
	} else if m.rooms[id] != nil {
		return nil, fmt.Errorf("rooms: room %q already exists", id)
	}

	r := &Room{
		ID:           id,
		Name:         name,
		Type:         roomType,
		Participants: append([]string(nil), participants...),
		Created:      time.Now(),
		Updated:      time.Now(),
	}
	m.rooms[id] = r
	if err := m.persistRoom(r); err != nil {
		delete(m.rooms, id)
		return nil, err
	}

	slog.Info("rooms: created room", "room", id, "type", roomType, "participants", participants)
	cp := *r
	return &cp, nil
}

// GetOrCreateDM returns the direct room for a bot pair, creating it on
// first use.
func (m *Manager) GetOrCreateDM(a, b string) (*Room, error) {
	id := GenerateDMRoomID(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[id]; ok {
		cp := *r
		return &cp, nil
	}
	r := &Room{
		ID:           id,
		Name:         fmt.Sprintf("DM %s/%s", a, b),
		Type:         TypeDirect,
		Participants: []string{a, b},
		Created:      time.Now(),
		Updated:      time.Now(),
	}
	m.rooms[id] = r
	if err := m.persistRoom(r); err != nil {
		delete(m.rooms, id)
		return nil, err
	}
	cp := *r
	return &cp, nil
}

// InviteBot adds a bot to a room.
func (m *Manager) InviteBot(roomID, bot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("rooms: unknown room %q", roomID)
	}
	if r.HasParticipant(bot) {
		return nil
	}
	r.Participants = append(r.Participants, bot)
	r.Updated = time.Now()
	if err := m.persistRoom(r); err != nil {
		return err
	}
	slog.Info("rooms: bot invited", "room", roomID, "bot", bot)
	return nil
}

// RemoveBot removes a bot from a room. The last participant can never be
// removed.
func (m *Manager) RemoveBot(roomID, bot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("rooms: unknown room %q", roomID)
	}
	if !r.HasParticipant(bot) {
		return fmt.Errorf("rooms: %q is not in room %q", bot, roomID)
	}
	if len(r.Participants) == 1 {
		return fmt.Errorf("rooms: cannot remove the last bot from room %q", roomID)
	}

	kept := r.Participants[:0]
	for _, p := range r.Participants {
		if p != bot {
			kept = append(kept, p)
		}
	}
	r.Participants = kept
	r.Updated = time.Now()
	if err := m.persistRoom(r); err != nil {
		return err
	}
	slog.Info("rooms: bot removed", "room", roomID, "bot", bot)
	return nil
}

func mappingKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// JoinChannel maps a channel chat to a room.
func (m *Manager) JoinChannel(channel, chatID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		return fmt.Errorf("rooms: unknown room %q", roomID)
	}
	m.mappings[mappingKey(channel, chatID)] = roomID
	return m.persistMappings()
}

// LeaveChannel removes a channel mapping.
func (m *Manager) LeaveChannel(channel, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mappingKey(channel, chatID)
	if _, ok := m.mappings[key]; !ok {
		return fmt.Errorf("rooms: %s is not joined to any room", key)
	}
	delete(m.mappings, key)
	return m.persistMappings()
}

// RoomForChannel resolves a channel chat to its room.
func (m *Manager) RoomForChannel(channel, chatID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.mappings[mappingKey(channel, chatID)]
	return id, ok
}

// AutoJoinGeneral maps an unmapped channel chat to the general room and
// returns the resolved room ID either way.
func (m *Manager) AutoJoinGeneral(channel, chatID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mappingKey(channel, chatID)
	if id, ok := m.mappings[key]; ok {
		return id
	}
	m.mappings[key] = GeneralRoomID
	if err := m.persistMappings(); err != nil {
		slog.Warn("rooms: auto-join persist failed", "channel", channel, "chat", chatID, "error", err)
	}
	slog.Info("rooms: auto-joined channel to general", "channel", channel, "chat", chatID)
	return GeneralRoomID
}

// ChannelsForRoom returns the (channel, chat_id) pairs joined to a room.
func (m *Manager) ChannelsForRoom(roomID string) [][2]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out [][2]string
	for key, id := range m.mappings {
		if id != roomID {
			continue
		}
		if channel, chatID, ok := strings.Cut(key, ":"); ok {
			out = append(out, [2]string{channel, chatID})
		}
	}
	return out
}

// SetSharedContext stores a key-value fact on the room.
func (m *Manager) SetSharedContext(roomID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("rooms: unknown room %q", roomID)
	}
	if r.SharedContext == nil {
		r.SharedContext = make(map[string]string)
	}
	r.SharedContext[key] = value
	r.Updated = time.Now()
	return m.persistRoom(r)
}
