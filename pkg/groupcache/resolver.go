package groupcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/sipeed/wxclaw/pkg/gateway"
	"github.com/sipeed/wxclaw/pkg/logger"
)

// GroupAPI is the subset of the gateway client used for group metadata.
type GroupAPI interface {
	GetChatRoomInfo(ctx context.Context, groupID string) (*gateway.Response, error)
	GetChatRoomMemberDetail(ctx context.Context, groupID string) (*gateway.Response, error)
}

const (
	defaultNameTTL       = 24 * time.Hour
	defaultMissTTL       = 5 * time.Minute
	nameCacheSize        = 1024
)

var groupNameKeys = []string{"NickName", "ChatRoomName", "nickname", "chatroomname", "DisplayName", "displayname"}

// Resolver answers group questions from the Store and fills gaps from the
// gateway. Refreshes of the same group are collapsed.
type Resolver struct {
	api     GroupAPI
	store   *Store
	names   *expirable.LRU[string, string]
	misses  *expirable.LRU[string, struct{}]
	flights singleflight.Group
}

func NewResolver(api GroupAPI, store *Store, nameTTL time.Duration) *Resolver {
	if nameTTL <= 0 {
		nameTTL = defaultNameTTL
	}
	return &Resolver{
		api:    api,
		store:  store,
		names:  expirable.NewLRU[string, string](nameCacheSize, nil, nameTTL),
		misses: expirable.NewLRU[string, struct{}](nameCacheSize, nil, defaultMissTTL),
	}
}

func (r *Resolver) Store() *Store { return r.store }

// GroupName satisfies the dispatcher's GroupNamer. It never calls the
// gateway; ResolveName fills what it cannot answer.
func (r *Resolver) GroupName(groupID string) (string, bool) {
	if name, ok := r.names.Get(groupID); ok {
		return name, true
	}
	if name, ok := r.store.Name(groupID); ok {
		r.names.Add(groupID, name)
		return name, true
	}
	return "", false
}

// ResolveName checks the name cache, then the file, then the gateway. A
// group the gateway could not name is not asked about again for a while.
func (r *Resolver) ResolveName(ctx context.Context, groupID string) (string, bool) {
	if name, ok := r.GroupName(groupID); ok {
		return name, true
	}
	if r.api == nil {
		return "", false
	}
	if _, ok := r.misses.Get(groupID); ok {
		return "", false
	}
	if err := r.Refresh(ctx, groupID); err != nil {
		logger.WarnCF("groupcache", "Group lookup failed", map[string]interface{}{
			"group_id": groupID,
			"error":    err.Error(),
		})
	}
	name, ok := r.store.Name(groupID)
	if ok {
		r.names.Add(groupID, name)
	} else {
		r.misses.Add(groupID, struct{}{})
	}
	return name, ok
}

// SelfDisplayName reads the member cache only.
func (r *Resolver) SelfDisplayName(groupID, wxid string) (string, bool) {
	return r.store.SelfDisplayName(groupID, wxid)
}

// MemberNickname refreshes the member list when the cached one is missing
// or expired.
func (r *Resolver) MemberNickname(ctx context.Context, groupID, wxid string) (string, bool) {
	if name, ok := r.store.MemberNickname(groupID, wxid); ok {
		return name, true
	}
	if r.api == nil || r.store.Fresh(groupID) {
		return "", false
	}
	if err := r.Refresh(ctx, groupID); err != nil {
		logger.WarnCF("groupcache", "Member refresh failed", map[string]interface{}{
			"group_id": groupID,
			"error":    err.Error(),
		})
	}
	return r.store.MemberNickname(groupID, wxid)
}

// Refresh fetches the group's name and, when stale, its members, then saves
// the store.
func (r *Resolver) Refresh(ctx context.Context, groupID string) error {
	_, err, _ := r.flights.Do(groupID, func() (interface{}, error) {
		return nil, r.refresh(ctx, groupID)
	})
	return err
}

func (r *Resolver) refresh(ctx context.Context, groupID string) error {
	info := GroupInfo{ChatroomID: groupID}

	resp, err := r.api.GetChatRoomInfo(ctx, groupID)
	if err != nil {
		return fmt.Errorf("chatroom info: %w", err)
	}
	if name := findGroupName(resp.Data); name != "" {
		info.NickName = name
		r.names.Add(groupID, name)
		r.misses.Remove(groupID)
	} else {
		logger.WarnCF("groupcache", "No group name in chatroom info", map[string]interface{}{
			"group_id": groupID,
		})
	}
	r.store.Upsert(info)

	var memberErr error
	if !r.store.Fresh(groupID) {
		memberErr = r.refreshMembers(ctx, groupID)
	}

	if err := r.store.Save(); err != nil {
		return errors.Join(memberErr, fmt.Errorf("save group cache: %w", err))
	}
	return memberErr
}

func (r *Resolver) refreshMembers(ctx context.Context, groupID string) error {
	resp, err := r.api.GetChatRoomMemberDetail(ctx, groupID)
	if err != nil {
		return fmt.Errorf("chatroom members: %w", err)
	}
	data := resp.Data.Get("NewChatroomData")
	if !data.Exists() {
		return fmt.Errorf("chatroom members: no NewChatroomData for %s", groupID)
	}

	var members []Member
	for _, m := range data.Get("ChatRoomMember").Array() {
		if !m.IsObject() {
			continue
		}
		members = append(members, Member{
			UserName:           stringField(m, "UserName"),
			NickName:           stringField(m, "NickName"),
			DisplayName:        stringField(m, "DisplayName"),
			ChatroomMemberFlag: int(m.Get("ChatroomMemberFlag").Int()),
			InviterUserName:    stringField(m, "InviterUserName"),
			BigHeadImgUrl:      stringField(m, "BigHeadImgUrl"),
			SmallHeadImgUrl:    stringField(m, "SmallHeadImgUrl"),
		})
	}
	if len(members) == 0 {
		return fmt.Errorf("chatroom members: empty member list for %s", groupID)
	}

	r.store.Upsert(GroupInfo{
		ChatroomID:  groupID,
		Members:     members,
		MemberCount: int(data.Get("MemberCount").Int()),
	})
	logger.InfoCF("groupcache", "Group members updated", map[string]interface{}{
		"group_id": groupID,
		"members":  len(members),
	})
	return nil
}

// RefreshStale refreshes every cached group whose members have expired.
func (r *Resolver) RefreshStale(ctx context.Context) (int, error) {
	if r.api == nil {
		return 0, nil
	}
	var errs []error
	n := 0
	for _, id := range r.store.StaleIDs() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := r.Refresh(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// findGroupName searches data depth-first for the first name key, trying
// each key over the whole tree before the next.
func findGroupName(data gjson.Result) string {
	for _, key := range groupNameKeys {
		if v := findKey(data, key); v != "" {
			return v
		}
	}
	return ""
}

func findKey(v gjson.Result, key string) string {
	switch {
	case v.IsObject():
		if direct := v.Get(gjson.Escape(key)); direct.Exists() {
			if s := unwrapString(direct); s != "" {
				return s
			}
		}
		var found string
		v.ForEach(func(_, child gjson.Result) bool {
			found = findKey(child, key)
			return found == ""
		})
		return found
	case v.IsArray():
		for _, item := range v.Array() {
			if s := findKey(item, key); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringField(v gjson.Result, key string) string {
	return unwrapString(v.Get(key))
}

func unwrapString(v gjson.Result) string {
	if v.IsObject() {
		if s := v.Get("string"); s.Exists() {
			return s.String()
		}
		return ""
	}
	if v.Type == gjson.String {
		return v.Str
	}
	return ""
}
