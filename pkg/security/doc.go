/*
Package security holds the cluster's key material.

KeyPair is the master's SSH identity. It is generated on first start and
saved under the key directory; workers receive its public half so the master
can reach them. KnownHosts records the host keys workers report and backs
the host key callback used when the master connects to them.

Sealer encrypts credentials that end up in the persisted cluster document,
bucket secret keys for instance, with AES-256-GCM under a key derived from
the cluster name.
*/
package security
