// Package mtu implements the two-size MTU discovery probe loop from
// spec.md section 4.8: a sender that posts reliable-unordered
// SOP_MTU_PROBE messages padded to the maximum and medium target
// sizes, and a receiver that reports back any size increase with
// SOP_MTU_SET. The learned payload size only ever grows; a shrink is
// never applied automatically once learned.
package mtu
