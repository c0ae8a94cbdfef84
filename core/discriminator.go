package core

import "crypto/sha256"

// Discriminator derives an 8-byte tag from a stable type-name string. It
// follows the Anchor convention of hashing a namespaced name
// ("event:TransferEvent", "global:transfer", ...) with SHA-256 and keeping
// the first 8 bytes, which is the deterministic, language-neutral scheme
// spec.md calls for.
func DeriveDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte(name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

// EventDiscriminator derives the discriminator for a user event type name,
// e.g. EventDiscriminator("SystemTransferEvent").
func EventDiscriminator(typeName string) Discriminator {
	return DeriveDiscriminator("event:" + typeName)
}

// InstructionDiscriminator derives the discriminator Anchor-style programs
// use to tag an instruction variant by name, e.g. "transfer".
func InstructionDiscriminator(ixName string) Discriminator {
	return DeriveDiscriminator("global:" + ixName)
}
