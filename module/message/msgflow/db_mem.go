package msgflow

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrUniqueToken = errors.New("unique (sender,token) violated")
	ErrUniqueSeq   = errors.New("unique (conv,seq) violated")
	ErrUniqueSID   = errors.New("unique server_msg_id violated")
	ErrConvMissing = errors.New("conversation not found")
)

// memDB 单进程内存实现，规格与 Mongo 版一致，组件测试无需外部存储
type memDB struct {
	mu      sync.RWMutex
	convs   map[string]*ConversationInfo
	bySeq   map[string]map[int64]*Message // conv -> seq -> msg
	byToken map[string]*Message           // sender|token -> msg
	bySID   map[string]*Message

	failInserts int // >0 时前 N 次 Insert 返回瞬时错误（测试注入）
}

func NewMemDB() *memDB {
	return &memDB{
		convs:   make(map[string]*ConversationInfo),
		bySeq:   make(map[string]map[int64]*Message),
		byToken: make(map[string]*Message),
		bySID:   make(map[string]*Message),
	}
}

var errMemTransient = errors.New("transient store error")

// FailNextInserts 让接下来 n 次 InsertMessage 返回瞬时错误
func (db *memDB) FailNextInserts(n int) {
	db.mu.Lock()
	db.failInserts = n
	db.mu.Unlock()
}

func keyToken(sender, token string) string { return sender + "|" + token }

func (db *memDB) EnsureConversation(ctx context.Context, convID string, kind int32, members []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.convs[convID]; ok {
		return nil
	}
	cp := make([]string, len(members))
	copy(cp, members)
	db.convs[convID] = &ConversationInfo{ConvID: convID, Kind: kind, Members: cp}
	return nil
}

func (db *memDB) GetConversation(ctx context.Context, convID string) (*ConversationInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.convs[convID]
	if !ok {
		return nil, ErrConvMissing
	}
	out := *c
	return &out, nil
}

func (db *memDB) QueryMaxSeq(ctx context.Context, convID string) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var max int64
	for s := range db.bySeq[convID] {
		if s > max {
			max = s
		}
	}
	return max, nil
}

func (db *memDB) InsertMessage(ctx context.Context, m *Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.failInserts > 0 {
		db.failInserts--
		return errMemTransient
	}

	if _, ok := db.bySID[m.ServerMsgID]; ok {
		return ErrUniqueSID
	}
	kt := keyToken(m.SenderID, m.Token)
	if _, ok := db.byToken[kt]; ok {
		return ErrUniqueToken
	}
	if _, ok := db.bySeq[m.ConvID]; !ok {
		db.bySeq[m.ConvID] = make(map[int64]*Message)
	}
	if _, ok := db.bySeq[m.ConvID][m.Seq]; ok {
		return ErrUniqueSeq
	}

	cp := *m
	db.bySeq[m.ConvID][m.Seq] = &cp
	db.byToken[kt] = &cp
	db.bySID[m.ServerMsgID] = &cp
	return nil
}

func (db *memDB) FindByToken(ctx context.Context, sender, token string) (*MessageMeta, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if v, ok := db.byToken[keyToken(sender, token)]; ok {
		return &MessageMeta{ServerMsgID: v.ServerMsgID, Seq: v.Seq, SendTimeMS: v.SendTimeMS}, nil
	}
	return nil, nil
}

func (db *memDB) FindByServerID(ctx context.Context, serverMsgID string) (*Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if v, ok := db.bySID[serverMsgID]; ok {
		out := *v
		return &out, nil
	}
	return nil, nil
}

func (db *memDB) sorted(convID string) []*Message {
	msgs := make([]*Message, 0, len(db.bySeq[convID]))
	for _, m := range db.bySeq[convID] {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SendTimeMS != msgs[j].SendTimeMS {
			return msgs[i].SendTimeMS < msgs[j].SendTimeMS
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	return msgs
}

func (db *memDB) ListBefore(ctx context.Context, convID string, beforeTS, beforeSeq int64, limit int) ([]*Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	asc := db.sorted(convID)
	out := make([]*Message, 0, limit)
	for i := len(asc) - 1; i >= 0 && len(out) < limit; i-- {
		m := asc[i]
		if beforeTS > 0 || beforeSeq > 0 {
			// 严格小于游标 (ts, seq)
			if m.SendTimeMS > beforeTS || (m.SendTimeMS == beforeTS && m.Seq >= beforeSeq) {
				continue
			}
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (db *memDB) ListSinceSeq(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Message, 0, limit)
	for _, m := range db.sorted(convID) {
		if m.Seq <= sinceSeq {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (db *memDB) IsUniqueTokenErr(err error) bool    { return errors.Is(err, ErrUniqueToken) }
func (db *memDB) IsUniqueSeqErr(err error) bool      { return errors.Is(err, ErrUniqueSeq) }
func (db *memDB) IsUniqueServerIDErr(err error) bool { return errors.Is(err, ErrUniqueSID) }
func (db *memDB) IsTransientErr(err error) bool      { return errors.Is(err, errMemTransient) }
