package groupcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OwnerFlag marks the group owner in ChatroomMemberFlag.
const OwnerFlag = 2049

type Member struct {
	UserName           string `json:"UserName"`
	NickName           string `json:"NickName"`
	DisplayName        string `json:"DisplayName"`
	ChatroomMemberFlag int    `json:"ChatroomMemberFlag"`
	InviterUserName    string `json:"InviterUserName"`
	BigHeadImgUrl      string `json:"BigHeadImgUrl"`
	SmallHeadImgUrl    string `json:"SmallHeadImgUrl"`
}

type GroupInfo struct {
	ChatroomID    string   `json:"chatroomId"`
	NickName      string   `json:"nickName"`
	ChatRoomOwner string   `json:"chatRoomOwner"`
	Members       []Member `json:"members"`
	MemberCount   int      `json:"memberCount,omitempty"`
	LastUpdate    int64    `json:"last_update"`
}

func (g *GroupInfo) member(wxid string) (Member, bool) {
	for _, m := range g.Members {
		if m.UserName == wxid {
			return m, true
		}
	}
	return Member{}, false
}

// Store is the on-disk group metadata file, {group_id: GroupInfo}.
type Store struct {
	groups  map[string]*GroupInfo
	mu      sync.RWMutex
	path    string
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewStore loads path if it exists. A missing or unreadable file starts an
// empty store; it is rewritten on the next Save.
func NewStore(path string, ttl time.Duration) *Store {
	s := &Store{
		groups:  make(map[string]*GroupInfo),
		path:    path,
		ttl:     ttl,
		nowFunc: time.Now,
	}
	if path != "" {
		s.load()
	}
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var groups map[string]*GroupInfo
	if err := json.Unmarshal(data, &groups); err != nil {
		return
	}
	for id, g := range groups {
		if g == nil {
			continue
		}
		if g.ChatroomID == "" {
			g.ChatroomID = id
		}
		s.groups[id] = g
	}
}

// Get returns a copy of the cached group.
func (s *Store) Get(groupID string) (GroupInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return GroupInfo{}, false
	}
	cp := *g
	cp.Members = append([]Member(nil), g.Members...)
	return cp, true
}

// Name is the group's display name. A name equal to the id is a placeholder
// and does not count.
func (s *Store) Name(groupID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok || g.NickName == "" || g.NickName == groupID {
		return "", false
	}
	return g.NickName, true
}

// GroupName reads the file only; see Resolver for the remote fallback.
func (s *Store) GroupName(groupID string) (string, bool) {
	return s.Name(groupID)
}

// SelfDisplayName is the bot's in-group display name, falling back to its
// account nickname.
func (s *Store) SelfDisplayName(groupID, wxid string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return "", false
	}
	m, ok := g.member(wxid)
	if !ok {
		return "", false
	}
	if m.DisplayName != "" {
		return m.DisplayName, true
	}
	return m.NickName, m.NickName != ""
}

// MemberNickname prefers the group card name over the account nickname.
func (s *Store) MemberNickname(groupID, wxid string) (string, bool) {
	return s.SelfDisplayName(groupID, wxid)
}

// Fresh reports whether the group has members that are younger than the TTL.
func (s *Store) Fresh(groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok || len(g.Members) == 0 {
		return false
	}
	return s.nowFunc().Unix()-g.LastUpdate < int64(s.ttl/time.Second)
}

// Upsert merges info into the cache. Empty fields do not overwrite known
// values, so a failed member fetch keeps the last good list. LastUpdate
// tracks the member list and only moves when members are written.
func (s *Store) Upsert(info GroupInfo) {
	if info.ChatroomID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[info.ChatroomID]
	if !ok {
		g = &GroupInfo{
			ChatroomID: info.ChatroomID,
			NickName:   info.ChatroomID,
			LastUpdate: s.nowFunc().Unix(),
		}
		s.groups[info.ChatroomID] = g
	}
	if info.NickName != "" {
		g.NickName = info.NickName
	}
	if len(info.Members) > 0 {
		g.Members = append([]Member(nil), info.Members...)
		g.MemberCount = info.MemberCount
		g.ChatRoomOwner = ""
		for _, m := range g.Members {
			if m.ChatroomMemberFlag == OwnerFlag {
				g.ChatRoomOwner = m.UserName
				break
			}
		}
		g.LastUpdate = s.nowFunc().Unix()
	}
	if info.ChatRoomOwner != "" {
		g.ChatRoomOwner = info.ChatRoomOwner
	}
}

// Prune drops groups not updated within maxAge.
func (s *Store) Prune(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.nowFunc().Add(-maxAge).Unix()
	n := 0
	for id, g := range s.groups {
		if g.LastUpdate < cutoff {
			delete(s.groups, id)
			n++
		}
	}
	return n
}

// StaleIDs lists cached groups whose members are missing or expired.
func (s *Store) StaleIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.nowFunc().Unix()
	var ids []string
	for id, g := range s.groups {
		if len(g.Members) == 0 || now-g.LastUpdate >= int64(s.ttl/time.Second) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// Save writes the whole file through a temp file and rename.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s.groups, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create group cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit group cache: %w", err)
	}
	return nil
}
