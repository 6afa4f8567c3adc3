package gymops

import "context"

// Module is the interface that all gymops modules implement.
type Module interface {
	// Name returns a unique identifier for this module.
	Name() string

	// Init is called when the module is registered with the App.
	// Collaborator modules registered earlier are reachable through app.
	Init(ctx context.Context, app *App) error

	// Shutdown is called when the App is stopping.
	Shutdown(ctx context.Context) error
}
