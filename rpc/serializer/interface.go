package serializer

import "github.com/ValentinKolb/ctxd/rpc/common"

// IRPCSerializer converts bus envelopes to and from frame payloads.
// Implementations are stateless and safe for concurrent use.
type IRPCSerializer interface {
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize overwrites msg completely
	Deserialize(b []byte, msg *common.Message) error
}
