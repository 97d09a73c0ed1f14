package checkpoint

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoDoc struct {
	Run     string `bson:"run"`
	Step    int64  `bson:"step"`
	SavedAt int64  `bson:"savedAt"`
	Payload []byte `bson:"payload"`
}

// MongoStore keeps checkpoints in a MongoDB collection with a unique
// (run, step) index.
type MongoStore struct {
	uri        string
	database   string
	collection string

	mu     sync.RWMutex
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(uri, database, collection string) *MongoStore {
	return &MongoStore{uri: uri, database: database, collection: collection}
}

func (s *MongoStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	serverAPIOptions := options.ServerAPI(options.ServerAPIVersion1)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri).SetServerAPIOptions(serverAPIOptions))
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return err
	}
	coll := client.Database(s.database).Collection(s.collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run", Value: 1}, {Key: "step", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return err
	}
	s.client, s.coll = client, coll
	return nil
}

func (s *MongoStore) getColl() (*mongo.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.coll == nil {
		return nil, errors.New("checkpoint store is not initialized")
	}
	return s.coll, nil
}

func (s *MongoStore) Save(ctx context.Context, c Checkpoint) error {
	coll, err := s.getColl()
	if err != nil {
		return err
	}
	payload, err := Encode(c)
	if err != nil {
		return err
	}
	// clear later checkpoints of the same run
	if _, err := coll.DeleteMany(ctx, bson.M{"run": c.Run, "step": bson.M{"$gte": int64(c.Step)}}); err != nil {
		return err
	}
	_, err = coll.InsertOne(ctx, mongoDoc{
		Run:     c.Run,
		Step:    int64(c.Step),
		SavedAt: c.SavedAt.UnixNano(),
		Payload: payload,
	})
	return err
}

func (s *MongoStore) Latest(ctx context.Context, run string) (Checkpoint, bool, error) {
	coll, err := s.getColl()
	if err != nil {
		return Checkpoint{}, false, err
	}
	res := coll.FindOne(ctx, bson.M{"run": run}, options.FindOne().SetSort(bson.D{{Key: "step", Value: -1}}))
	return decodeDoc(res)
}

func (s *MongoStore) Get(ctx context.Context, run string, step uint64) (Checkpoint, bool, error) {
	coll, err := s.getColl()
	if err != nil {
		return Checkpoint{}, false, err
	}
	return decodeDoc(coll.FindOne(ctx, bson.M{"run": run, "step": int64(step)}))
}

func decodeDoc(res *mongo.SingleResult) (Checkpoint, bool, error) {
	var doc mongoDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	c, err := Decode(doc.Payload)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

func (s *MongoStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(context.Background())
	s.client, s.coll = nil, nil
	return err
}
