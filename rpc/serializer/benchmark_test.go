package serializer

import (
	"strings"
	"testing"

	"github.com/ValentinKolb/ctxd/rpc/common"
)

// benchmarkMessages returns a set of messages for targeted benchmarking
func benchmarkMessages() map[string]common.Message {
	return map[string]common.Message{
		"Empty":        {MsgType: common.MsgTReply},
		"SupportCheck": *common.NewRequest(common.ReqSupportCheck, 1, "time/now", ""),
		"Subscribe":    *common.NewRequest(common.ReqSubscribe, 12345, "custom/battery", `{"interval":10}`),
		"Respond":      *common.NewRespond(12345, "custom/battery", 0, `{"level":87,"charging":1}`),
		"LargeOutput":  *common.NewReply(0, "", `{"rows":"`+strings.Repeat("x", 16*1024)+`"}`),
		"ErrorMessage": *common.NewErrorResponse(-46137340, "Lorem ipsum dolor sit amet, consectetur adipiscing elit."),
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various message types
func BenchmarkSerialize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					if _, err := serializer.Serialize(msg); err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDeserialize benchmarks deserialization for all implementations with various message types
func BenchmarkDeserialize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				data, err := serializer.Serialize(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}
				b.ResetTimer()

				var result common.Message
				for i := 0; i < b.N; i++ {
					if err := serializer.Deserialize(data, &result); err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}
