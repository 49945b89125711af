// Package domain defines the shared types and interfaces of the realtime hub:
// frames, change feeds, chat messages and the collaborators the hub depends on.
// It contains contracts only; implementations live in hub, feed and adapter.
package domain
