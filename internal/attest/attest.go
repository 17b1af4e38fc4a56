package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashResult 计算执行结果的内容哈希。同一结果得到同一哈希，
// 用于存证与合规回执的关联。
func HashResult(result string) string {
	sum := sha256.Sum256([]byte(result))
	return hex.EncodeToString(sum[:])
}

// ProofMessage 构造提交到存证通道的消息体。
func ProofMessage(capabilityID, resultHash string) string {
	return fmt.Sprintf("execution_proof|capability=%s|hash=%s", capabilityID, resultHash)
}
