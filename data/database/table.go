package database

import "go.mongodb.org/mongo-driver/mongo"

// Table is implemented by every persisted model.
type Table interface {
	GetTableName() string
}

// Collection resolves the collection a model lives in.
func Collection(db *mongo.Database, t Table) *mongo.Collection {
	return db.Collection(t.GetTableName())
}
