package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Ping performs a cheap read to confirm the client can reach Firestore.
func Ping(ctx context.Context, client *firestore.Client) error {
	if client == nil {
		return errors.New("firestore: client is nil")
	}
	iter := client.Collections(ctx)
	_, err := iter.Next()
	if err == nil || errors.Is(err, iterator.Done) {
		return nil
	}
	return WrapError("firestore.ping", err)
}
