package message

import (
	"context"
	"time"

	chatmodel "IMCore/module/chat/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MarkReadTo 推进 (owner, conv) 的已读游标到 upToSeq，$max 保证只进不退；
// 返回推进后的 ReadSeq 和是否真的前移了（读改动前的文档判断）。
// 过期的 read_mark（upToSeq 不超过旧游标）moved=false，调用方不广播。
// 这是每用户每会话唯一一条的 last-read pointer，替代逐消息回执。
func (s *Store) MarkReadTo(ctx context.Context, owner, conv string, upToSeq int64) (int64, bool, error) {
	res := s.ShadowColl.FindOneAndUpdate(ctx,
		bson.M{
			chatmodel.ShadowFieldOwnerUserID:          owner,
			chatmodel.ConversationFieldConversationID: conv,
		},
		bson.M{
			"$max": bson.M{chatmodel.ShadowFieldReadSeq: upToSeq},
			"$set": bson.M{chatmodel.ConversationFieldUpdatedAt: time.Now().UnixMilli()},
			"$setOnInsert": bson.M{
				chatmodel.ShadowFieldOwnerUserID:          owner,
				chatmodel.ConversationFieldConversationID: conv,
				chatmodel.ConversationFieldCreateTime:     time.Now().UnixMilli(),
			},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	)

	// 首次 upsert 没有旧文档：prev=0
	var prev chatmodel.ConversationShadow
	if err := res.Decode(&prev); err != nil && err != mongo.ErrNoDocuments {
		return 0, false, err
	}
	if upToSeq > prev.ReadSeq {
		return upToSeq, true, nil
	}
	return prev.ReadSeq, false, nil
}

// GetReadSeq 读取 (owner, conv) 当前已读游标；无记录返回 0
func (s *Store) GetReadSeq(ctx context.Context, owner, conv string) (int64, error) {
	var out chatmodel.ConversationShadow
	err := s.ShadowColl.FindOne(ctx, bson.M{
		chatmodel.ShadowFieldOwnerUserID:          owner,
		chatmodel.ConversationFieldConversationID: conv,
	}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return out.ReadSeq, nil
}

// BumpReadOutboxSeq 对端读到了本人外发的位置（发送方视角的"已读到"），同样单调推进
func (s *Store) BumpReadOutboxSeq(ctx context.Context, senderUser, conv string, upToSeq int64) error {
	_, err := s.ShadowColl.UpdateOne(ctx,
		bson.M{
			chatmodel.ShadowFieldOwnerUserID:          senderUser,
			chatmodel.ConversationFieldConversationID: conv,
		},
		bson.M{
			"$max": bson.M{chatmodel.ShadowFieldReadOutboxSeq: upToSeq},
			"$set": bson.M{chatmodel.ConversationFieldUpdatedAt: time.Now().UnixMilli()},
			"$setOnInsert": bson.M{
				chatmodel.ShadowFieldOwnerUserID:          senderUser,
				chatmodel.ConversationFieldConversationID: conv,
				chatmodel.ConversationFieldCreateTime:     time.Now().UnixMilli(),
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// RefreshShadowWatermark 影子水位刷新（拉时间线或 push 消费时调用）
func (s *Store) RefreshShadowWatermark(ctx context.Context, owner, conv string, minSeq, maxSeq int64) error {
	_, err := s.ShadowColl.UpdateOne(ctx,
		bson.M{
			chatmodel.ShadowFieldOwnerUserID:          owner,
			chatmodel.ConversationFieldConversationID: conv,
		},
		bson.M{"$set": bson.M{
			chatmodel.ShadowFieldMinSeq:          minSeq,
			chatmodel.ShadowFieldServerMaxSeq:    maxSeq,
			chatmodel.ConversationFieldUpdatedAt: time.Now().UnixMilli(),
		}},
		options.Update().SetUpsert(true),
	)
	return err
}
