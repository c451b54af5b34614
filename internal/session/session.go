// Package session holds the local user's profile: identity, friends, groups,
// and whatever else the server attaches to it. The profile is seeded from the
// REST identity lookup and refreshed by the server during the handshake.
package session
