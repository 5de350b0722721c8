// Package firebase drives the Firebase Admin SDK on behalf of the bootstrap adapter.
package firebase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	firebasestorage "firebase.google.com/go/v4/storage"

	"github.com/celoptima/backend/internal/platform/config"
)

// App is the application handle: an initialised Firebase app plus the record it was built from.
type App struct {
	app    *firebase.App
	record config.FirebaseConfig

	storageOnce sync.Once
	storage     *firebasestorage.Client
	storageErr  error
}

// Firebase exposes the underlying Admin SDK app.
func (a *App) Firebase() *firebase.App { return a.app }

// Config returns the configuration record the app was initialised with.
func (a *App) Config() config.FirebaseConfig { return a.record }

// ProjectID returns the project id from the record.
func (a *App) ProjectID() string { return a.record.ProjectID }

// Bucket returns a handle for the record's storage bucket.
func (a *App) Bucket(ctx context.Context) (*gcs.BucketHandle, error) {
	if a == nil || a.app == nil {
		return nil, errors.New("firebase: app is not initialised")
	}
	a.storageOnce.Do(func() {
		a.storage, a.storageErr = a.app.Storage(ctx)
	})
	if a.storageErr != nil {
		return nil, fmt.Errorf("initialise firebase storage client: %w", a.storageErr)
	}
	bucket, err := a.storage.DefaultBucket()
	if err != nil {
		return nil, fmt.Errorf("resolve storage bucket: %w", err)
	}
	return bucket, nil
}
