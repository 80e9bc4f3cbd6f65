// Package testutil provides fakes shared by gazestream tests: a scripted
// tracker server, an in-memory record source, an in-memory sink and a NATS
// publisher mock.
package testutil
