// Copyright 2019 Lanikai Labs. All rights reserved.

// Package srtp implements RFC 3711 Secure RTP: AES-128-CTR confidentiality
// and HMAC-SHA1-80 authentication over RTP packets, keyed by material
// exported from a DTLS-SRTP handshake (see internal/dtls). Context is the
// low-level crypto state; session-level concerns (SSRC assignment, H.264
// packetization) live in the root package's P2P session.
package srtp
