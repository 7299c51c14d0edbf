package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/goevery/realtime/internal/ierr"
	"github.com/goevery/realtime/internal/storage"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Follow struct {
	FollowerId  string `bson:"followerId"`
	FollowingId string `bson:"followingId"`
}

type Reaction struct {
	Id        string    `bson:"_id"`
	MessageId string    `bson:"messageId"`
	UserId    string    `bson:"userId"`
	Reaction  string    `bson:"reaction"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type Engine struct {
	users     *mongo.Collection
	follows   *mongo.Collection
	reactions *mongo.Collection
	reads     *mongo.Collection
}

func NewEngine(client *mongo.Client, databaseName string) *Engine {
	database := client.Database(databaseName)

	return &Engine{
		users:     database.Collection("users"),
		follows:   database.Collection("follows"),
		reactions: database.Collection("message_reactions"),
		reads:     database.Collection("conversation_reads"),
	}
}

func (e *Engine) Setup(ctx context.Context) error {
	followIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "followerId", Value: 1},
			{Key: "followingId", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}

	_, err := e.follows.Indexes().CreateOne(ctx, followIndexModel)
	if err != nil {
		return fmt.Errorf("create follows index: %w", err)
	}

	reactionIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "messageId", Value: 1},
			{Key: "userId", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}

	_, err = e.reactions.Indexes().CreateOne(ctx, reactionIndexModel)
	if err != nil {
		return fmt.Errorf("create reactions index: %w", err)
	}

	readIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversationId", Value: 1},
			{Key: "userId", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}

	_, err = e.reads.Indexes().CreateOne(ctx, readIndexModel)
	if err != nil {
		return fmt.Errorf("create reads index: %w", err)
	}

	return nil
}

func (e *Engine) SetOnlineStatus(ctx context.Context, userId string, online bool, lastSeenAt *time.Time) error {
	set := bson.D{{Key: "isOnline", Value: online}}
	if lastSeenAt != nil {
		set = append(set, bson.E{Key: "lastSeenAt", Value: *lastSeenAt})
	}

	_, err := e.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userId}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return unavailable("set online status", err)
	}

	return nil
}

func (e *Engine) ListFollowedIds(ctx context.Context, userId string) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "followingId", Value: 1}})

	cursor, err := e.follows.Find(ctx, bson.D{{Key: "followerId", Value: userId}}, opts)
	if err != nil {
		return nil, unavailable("list followed ids", err)
	}

	var follows []Follow
	err = cursor.All(ctx, &follows)
	if err != nil {
		return nil, unavailable("decode follows", err)
	}

	followedIds := make([]string, len(follows))
	for i, f := range follows {
		followedIds[i] = f.FollowingId
	}

	return followedIds, nil
}

type User struct {
	Id string `bson:"_id"`
}

// ListOnlineIds returns the subset of userIds currently marked online.
func (e *Engine) ListOnlineIds(ctx context.Context, userIds []string) ([]string, error) {
	if len(userIds) == 0 {
		return nil, nil
	}

	filter := bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: userIds}}},
		{Key: "isOnline", Value: true},
	}
	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	cursor, err := e.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("list online ids", err)
	}

	var users []User
	err = cursor.All(ctx, &users)
	if err != nil {
		return nil, unavailable("decode users", err)
	}

	onlineIds := make([]string, len(users))
	for i, u := range users {
		onlineIds[i] = u.Id
	}

	return onlineIds, nil
}

// UpsertReaction stores one reaction per user and message, replacing the
// previous one.
func (e *Engine) UpsertReaction(ctx context.Context, req storage.ReactionRequest) (storage.Reaction, error) {
	filter := bson.D{
		{Key: "messageId", Value: req.MessageId},
		{Key: "userId", Value: req.UserId},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "reaction", Value: req.Reaction},
			{Key: "updatedAt", Value: time.Now()},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "_id", Value: gonanoid.Must()},
		}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var reaction Reaction
	err := e.reactions.FindOneAndUpdate(ctx, filter, update, opts).Decode(&reaction)
	if err != nil {
		return storage.Reaction{}, unavailable("upsert reaction", err)
	}

	return storage.Reaction{
		Id:        reaction.Id,
		MessageId: reaction.MessageId,
		UserId:    reaction.UserId,
		Reaction:  reaction.Reaction,
		UpdatedAt: reaction.UpdatedAt,
	}, nil
}

func (e *Engine) MarkRead(ctx context.Context, req storage.ReadRequest) (time.Time, error) {
	readAt := time.Now().UTC()

	_, err := e.reads.UpdateOne(ctx,
		bson.D{
			{Key: "conversationId", Value: req.ConversationId},
			{Key: "userId", Value: req.UserId},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "readAt", Value: readAt}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return time.Time{}, unavailable("mark read", err)
	}

	return readAt, nil
}

func unavailable(operation string, err error) error {
	return ierr.New(ierr.ErrorCodeUnavailable, fmt.Errorf("%s: %w", operation, err))
}
