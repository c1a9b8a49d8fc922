/*
Package testutil simulates participants of a secure aggregation round.

A Participant holds a signing key and an ephemeral encryption key and
composes the three participant messages the way a real client would:

	sum := testutil.ParticipantWithRole(t, params, protocol.RoleSum)
	raw := sum.SumMessage(t, params.RoundID)

	upd := testutil.ParticipantWithRole(t, params, protocol.RoleUpdate)
	raw = upd.UpdateMessage(t, params, weights, coord.SumDict())

	col, _ := coord.SeedDictFor(sum.PK.String())
	raw = sum.Sum2Message(t, params, col)

ExpectedAverage computes what the coordinator must publish after a round
with the given local models, using the same fixed-point encoding.

This package is intended for testing purposes only.
*/
package testutil
