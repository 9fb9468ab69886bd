package ble

import (
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion identifies the set of UUIDs below. Bump it whenever any of
// them changes; the phone app pins the same version.
const ProtocolVersion = 1

// RevMetrix watch link UUIDs
var (
	ServiceUUID = uuid.MustParse("a3c94f10-7b47-4c8e-b88f-0e4b2f7c2a91")
	CommandUUID = uuid.MustParse("a3c94f11-7b47-4c8e-b88f-0e4b2f7c2a91") // write: phone -> watch
	NotifyUUID  = uuid.MustParse("a3c94f12-7b47-4c8e-b88f-0e4b2f7c2a91") // notify: watch -> phone
)

// ParseUUID parses a UUID in any of the forms accepted by google/uuid
// (canonical, braced, urn:uuid:, upper case).
func ParseUUID(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
	}
	return u, nil
}
