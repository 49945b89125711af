// Package hub manages live client connections: who is connected, which
// channels their identities have joined, fan-out of frames to them, liveness
// probing and the ordered shutdown drain.
//
// Membership changes are reported as first-member and last-member transitions
// so the change-feed manager can open a channel's feed exactly when it gains
// an audience and close it when the audience is gone.
package hub
