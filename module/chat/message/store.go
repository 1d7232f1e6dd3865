package message

import (
	"context"
	"time"

	chatmodel "IMCore/module/chat/model"
	"IMCore/module/message/msgflow"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store Mongo 持久层：实现 msgflow.DB，另带会话影子（已读游标）操作。
type Store struct {
	ConvColl   *mongo.Collection // conversation
	ShadowColl *mongo.Collection // conversation_user
	MsgColl    *mongo.Collection // msg
}

func NewStore(db *mongo.Database) *Store {
	cov := chatmodel.Conversation{}
	sh := chatmodel.ConversationShadow{}
	msg := chatmodel.MsgModel{}
	return &Store{
		ConvColl:   db.Collection(cov.TableName()),
		ShadowColl: db.Collection(sh.TableName()),
		MsgColl:    db.Collection(msg.TableName()),
	}
}

// EnsureIndexes 启动时建唯一索引；幂等。
// 唯一性是幂等与全序兜底：redis 丢了窗口，DB 仍拒绝重复。
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.MsgColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: chatmodel.MsgFieldSenderID, Value: 1}, {Key: chatmodel.MsgFieldClientMsgID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("ux_sender_token"),
		},
		{
			Keys:    bson.D{{Key: chatmodel.MsgFieldConversationID, Value: 1}, {Key: chatmodel.MsgFieldSeq, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("ux_conv_seq"),
		},
		{
			Keys:    bson.D{{Key: chatmodel.MsgFieldServerMsgID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("ux_server_msg_id"),
		},
		{
			Keys: bson.D{
				{Key: chatmodel.MsgFieldConversationID, Value: 1},
				{Key: chatmodel.MsgFieldSendTime, Value: -1},
				{Key: chatmodel.MsgFieldSeq, Value: -1},
			},
			Options: options.Index().SetName("ix_conv_ts_seq"),
		},
	})
	if err != nil {
		return err
	}
	_, err = s.ConvColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: chatmodel.ConversationFieldConversationID, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("ux_conversation_id"),
	})
	if err != nil {
		return err
	}
	_, err = s.ShadowColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: chatmodel.ShadowFieldOwnerUserID, Value: 1},
			{Key: chatmodel.ConversationFieldConversationID, Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("ux_owner_conv"),
	})
	return err
}

// ===== msgflow.DB 实现 =====

func (s *Store) EnsureConversation(ctx context.Context, convID string, kind int32, members []string) error {
	now := time.Now()
	_, err := s.ConvColl.UpdateOne(ctx,
		bson.M{chatmodel.ConversationFieldConversationID: convID},
		bson.M{
			"$setOnInsert": bson.M{
				chatmodel.ConversationFieldConversationID: convID,
				chatmodel.ConversationFieldType:           kind,
				chatmodel.ConversationFieldMembers:        members,
				chatmodel.ConversationFieldCreateTime:     now.UnixMilli(),
			},
			"$set": bson.M{chatmodel.ConversationFieldUpdatedAt: now.UnixMilli()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// DirectPartners 包含 user 的所有单聊的对端，去重。
// presence 翻转时圈定接收面：直聊对端关心彼此的在线状态。
func (s *Store) DirectPartners(ctx context.Context, user string) ([]string, error) {
	cur, err := s.ConvColl.Find(ctx,
		bson.M{
			chatmodel.ConversationFieldType:    chatmodel.SessionTypeDirect,
			chatmodel.ConversationFieldMembers: user,
		},
		options.Find().SetProjection(bson.M{chatmodel.ConversationFieldMembers: 1, "_id": 0}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	seen := make(map[string]struct{})
	out := make([]string, 0, 8)
	for cur.Next(ctx) {
		var cv chatmodel.Conversation
		if err := cur.Decode(&cv); err != nil {
			return nil, err
		}
		for _, m := range cv.Members {
			if m == user {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, cur.Err()
}

func (s *Store) GetConversation(ctx context.Context, convID string) (*msgflow.ConversationInfo, error) {
	var cv chatmodel.Conversation
	err := s.ConvColl.FindOne(ctx, bson.M{chatmodel.ConversationFieldConversationID: convID}).Decode(&cv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msgflow.ConversationInfo{ConvID: cv.ConversationID, Kind: cv.ConversationType, Members: cv.Members}, nil
}

func (s *Store) QueryMaxSeq(ctx context.Context, convID string) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: chatmodel.MsgFieldSeq, Value: -1}}).
		SetProjection(bson.M{chatmodel.MsgFieldSeq: 1, "_id": 0})
	var out struct {
		Seq int64 `bson:"seq"`
	}
	err := s.MsgColl.FindOne(ctx, bson.M{chatmodel.MsgFieldConversationID: convID}, opts).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func (s *Store) InsertMessage(ctx context.Context, m *msgflow.Message) error {
	doc := &chatmodel.MsgModel{
		ConversationID: m.ConvID,
		SenderID:       m.SenderID,
		ClientMsgID:    m.Token,
		ServerMsgID:    m.ServerMsgID,
		ContentType:    m.ContentType,
		Content:        m.Content,
		PayloadHash:    m.PayloadHash,
		Seq:            m.Seq,
		SendTime:       m.SendTimeMS,
		AtUserIDList:   m.AtUserIDs,
		AttachHandle:   m.AttachRef,
	}
	_, err := s.MsgColl.InsertOne(ctx, doc)
	return err
}

func (s *Store) FindByToken(ctx context.Context, sender, token string) (*msgflow.MessageMeta, error) {
	var doc chatmodel.MsgModel
	err := s.MsgColl.FindOne(ctx, bson.M{
		chatmodel.MsgFieldSenderID:    sender,
		chatmodel.MsgFieldClientMsgID: token,
	}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msgflow.MessageMeta{ServerMsgID: doc.ServerMsgID, Seq: doc.Seq, SendTimeMS: doc.SendTime}, nil
}

func (s *Store) FindByServerID(ctx context.Context, serverMsgID string) (*msgflow.Message, error) {
	var doc chatmodel.MsgModel
	err := s.MsgColl.FindOne(ctx, bson.M{chatmodel.MsgFieldServerMsgID: serverMsgID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToFlow(&doc), nil
}

func docToFlow(doc *chatmodel.MsgModel) *msgflow.Message {
	return &msgflow.Message{
		ConvID:      doc.ConversationID,
		SenderID:    doc.SenderID,
		Token:       doc.ClientMsgID,
		ServerMsgID: doc.ServerMsgID,
		Seq:         doc.Seq,
		ContentType: doc.ContentType,
		Content:     doc.Content,
		PayloadHash: doc.PayloadHash,
		SendTimeMS:  doc.SendTime,
		AtUserIDs:   doc.AtUserIDList,
		AttachRef:   doc.AttachHandle,
	}
}

func (s *Store) IsUniqueTokenErr(err error) bool    { return isDupOnIndex(err, "ux_sender_token") }
func (s *Store) IsUniqueSeqErr(err error) bool      { return isDupOnIndex(err, "ux_conv_seq") }
func (s *Store) IsUniqueServerIDErr(err error) bool { return isDupOnIndex(err, "ux_server_msg_id") }

func (s *Store) IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}
