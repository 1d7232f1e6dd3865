package message

import (
	"context"
	"strings"

	chatmodel "IMCore/module/chat/model"
	"IMCore/module/message/msgflow"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ListBefore 历史分页：(send_time, seq) 降序，严格小于游标。
// keyset 游标（不是 offset），并发插入不产生空洞或重复页。
func (s *Store) ListBefore(ctx context.Context, convID string, beforeTS, beforeSeq int64, limit int) ([]*msgflow.Message, error) {
	filter := bson.M{chatmodel.MsgFieldConversationID: convID}
	if beforeTS > 0 || beforeSeq > 0 {
		filter["$or"] = bson.A{
			bson.M{chatmodel.MsgFieldSendTime: bson.M{"$lt": beforeTS}},
			bson.M{
				chatmodel.MsgFieldSendTime: beforeTS,
				chatmodel.MsgFieldSeq:      bson.M{"$lt": beforeSeq},
			},
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: chatmodel.MsgFieldSendTime, Value: -1}, {Key: chatmodel.MsgFieldSeq, Value: -1}}).
		SetLimit(int64(limit))
	return s.findFlow(ctx, filter, opts)
}

// ListSinceSeq 读扩散增量拉取：seq 升序，> sinceSeq
func (s *Store) ListSinceSeq(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*msgflow.Message, error) {
	filter := bson.M{
		chatmodel.MsgFieldConversationID: convID,
		chatmodel.MsgFieldSeq:            bson.M{"$gt": sinceSeq},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: chatmodel.MsgFieldSendTime, Value: 1}, {Key: chatmodel.MsgFieldSeq, Value: 1}}).
		SetLimit(int64(limit))
	return s.findFlow(ctx, filter, opts)
}

func (s *Store) findFlow(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*msgflow.Message, error) {
	cur, err := s.MsgColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*msgflow.Message
	for cur.Next(ctx) {
		var doc chatmodel.MsgModel
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToFlow(&doc))
	}
	return out, cur.Err()
}

// isDupOnIndex E11000 且错误文本里带上具体索引名
func isDupOnIndex(err error, indexName string) bool {
	if err == nil {
		return false
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false
	}
	return strings.Contains(err.Error(), indexName)
}
