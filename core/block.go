package core

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolchain/tolchain/crypto"
)

// BlockID is a 32-byte content hash (hex-encoded) whose first 4 bytes encode
// the block number, big-endian. Block number is always parent.Num()+1.
type BlockID string

// ZeroBlockID is the canonical all-zero id used as the genesis block's
// parent reference.
const ZeroBlockID BlockID = "0000000000000000000000000000000000000000000000000000000000000000"

// Num returns the block number encoded in the first 4 bytes of the id.
func (id BlockID) Num() int64 {
	b, err := hex.DecodeString(string(id))
	if err != nil || len(b) < 4 {
		return 0
	}
	return int64(binary.BigEndian.Uint32(b[:4]))
}

// IsZero reports whether id is the canonical genesis parent sentinel.
func (id BlockID) IsZero() bool {
	return id == ZeroBlockID || id == ""
}

// BlockHeader contains the block metadata that is hashed and signed.
type BlockHeader struct {
	ParentID BlockID `json:"parent_id"`
	Height   int64   `json:"height"`
	// Timestamp is aligned to BlockchainConfig.BlockIntervalSeconds; see
	// package slot.
	Timestamp int64 `json:"timestamp"`
	// Producer is the scheduled producer's account name.
	Producer string `json:"producer"`
	// TransactionMerkleRoot is the root computed by ComputeTransactionMerkleRoot.
	TransactionMerkleRoot string `json:"transaction_mroot"`
	// ProducerChanges is the schedule version active when this block was
	// produced; bumped by UpdateProducerSchedule at round boundaries.
	ProducerChanges uint32 `json:"producer_changes"`
	// ProducerSignature signs the block id (set by Sign).
	ProducerSignature string `json:"producer_signature"`
}

// SignedBlock is a header plus an ordered list of signed transactions.
type SignedBlock struct {
	Header       BlockHeader          `json:"header"`
	Transactions []*SignedTransaction `json:"transactions"`
	ID           BlockID              `json:"id"`
}

// signingHeader holds the header fields covered by the producer signature
// (everything except ProducerSignature itself).
type signingHeader struct {
	ParentID              BlockID `json:"parent_id"`
	Height                int64   `json:"height"`
	Timestamp             int64   `json:"timestamp"`
	Producer              string  `json:"producer"`
	TransactionMerkleRoot string  `json:"transaction_mroot"`
	ProducerChanges       uint32  `json:"producer_changes"`
}

// BlockIDPrefix extracts the 4 bytes following the embedded block number
// (bytes 4:8) of id, the TAPoS prefix carried in SignedTransaction.RefBlockPrefix.
// Exported so callers outside the validation pipeline (wallet transaction
// builders, RPC clients) can compute it from a recent block id without
// reaching into that package's internals.
func BlockIDPrefix(id BlockID) uint32 {
	b, err := hex.DecodeString(string(id))
	if err != nil || len(b) < 8 {
		return 0
	}
	return uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
}

// ComputeBlockID hashes the signing portion of the header and patches the
// first 4 bytes of the digest with the block number, big-endian.
func ComputeBlockID(h BlockHeader) BlockID {
	sh := signingHeader{
		ParentID:              h.ParentID,
		Height:                h.Height,
		Timestamp:             h.Timestamp,
		Producer:              h.Producer,
		TransactionMerkleRoot: h.TransactionMerkleRoot,
		ProducerChanges:       h.ProducerChanges,
	}
	data, err := json.Marshal(sh)
	if err != nil {
		return ""
	}
	digest := crypto.HashBytes(data)
	binary.BigEndian.PutUint32(digest[0:4], uint32(h.Height))
	return BlockID(hex.EncodeToString(digest))
}

// ComputeTransactionMerkleRoot builds a deterministic root hash from all
// transaction ids. Each id is length-prefixed (4-byte big-endian) to avoid
// boundary ambiguity between different id sets.
func ComputeTransactionMerkleRoot(txs []*SignedTransaction) string {
	if len(txs) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	buf := make([]byte, 0, len(txs)*40)
	var lenBuf [4]byte
	for _, tx := range txs {
		id := []byte(tx.ID)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, id...)
	}
	return crypto.Hash(buf)
}

// NewSignedBlock creates an unsigned block with the given parameters.
// TransactionMerkleRoot is computed eagerly; Timestamp must already be
// slot-aligned (see package slot).
func NewSignedBlock(parentID BlockID, height, timestamp int64, producer string, scheduleVersion uint32, txs []*SignedTransaction) *SignedBlock {
	return &SignedBlock{
		Header: BlockHeader{
			ParentID:              parentID,
			Height:                height,
			Timestamp:             timestamp,
			Producer:              producer,
			TransactionMerkleRoot: ComputeTransactionMerkleRoot(txs),
			ProducerChanges:       scheduleVersion,
		},
		Transactions: txs,
	}
}

// Sign computes the block id and signs it with the producer's private key.
func (b *SignedBlock) Sign(priv crypto.PrivateKey) {
	b.ID = ComputeBlockID(b.Header)
	b.Header.ProducerSignature = crypto.Sign(priv, []byte(b.ID))
}

// Verify checks that b.ID matches the recomputed header hash and that the
// producer signature over it is valid.
func (b *SignedBlock) Verify(pub crypto.PublicKey) error {
	if computed := ComputeBlockID(b.Header); b.ID != computed {
		return fmt.Errorf("block id mismatch: stored %s computed %s", b.ID, computed)
	}
	return crypto.Verify(pub, []byte(b.ID), b.Header.ProducerSignature)
}

// VerifyIntegrity checks the structural integrity of a block independently
// of the producer signature: id consistency and merkle root correctness.
func (b *SignedBlock) VerifyIntegrity() error {
	if computed := ComputeBlockID(b.Header); b.ID != computed {
		return fmt.Errorf("block id mismatch: stored %s computed %s", b.ID, computed)
	}
	if root := ComputeTransactionMerkleRoot(b.Transactions); b.Header.TransactionMerkleRoot != root {
		return errors.New("transaction_mroot mismatch")
	}
	return nil
}
