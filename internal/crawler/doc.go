// Package crawler defines the domain model shared by the orchestrator: tasks,
// schedules, targets, downloader settings and events, plus the store,
// provider and publisher contracts the other packages implement.
package crawler
