// Package attestation implements the Attestation Engine: it binds a running
// Guest to the exact host configuration, binary versions, and volume/network
// identities used to launch it, and signs the binding with the Crypto
// Service. Grounded on the teacher's certificate-authority struct shape and
// its stdlib-crypto wrapping style in pkg/security.
package attestation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rng-ops/infrasim/pkg/cryptosvc"
	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/types"
	"github.com/google/uuid"
)

// subject is the canonical, deterministically-encoded material that gets
// hashed into a subject digest. Field order here is fixed by struct
// declaration order, and every slice is sorted before encoding, so two
// calls built from the same inputs always marshal to identical bytes.
type subject struct {
	GuestID            string                  `json:"guest_id"`
	MachineProfile     string                  `json:"machine_profile"`
	VCPUCount          int                     `json:"vcpu_count"`
	MemoryBytes        int64                   `json:"memory_bytes"`
	FirmwareIdentifier string                  `json:"firmware_identifier"`
	Volumes            []types.AttestedVolume  `json:"volumes"`
	Networks           []types.AttestedNetwork `json:"networks"`
	Host               types.HostFingerprint   `json:"host"`
	BinaryVersions     []types.BinaryVersion   `json:"binary_versions"`
	DaemonVersion      string                  `json:"daemon_version"`
	TimestampUTC       string                  `json:"timestamp_utc"`
}

// Input is everything Generate needs about a Guest's resolved resources at
// the moment it is launched.
type Input struct {
	Guest          *types.Guest
	Volumes        []*types.Volume // order need not match Guest.VolumeRefs; Generate sorts by role
	Networks       []*types.Network
	Host           types.HostFingerprint
	BinaryVersions []types.BinaryVersion
	DaemonVersion  string
	Now            time.Time
}

func buildSubject(in Input) subject {
	volRoleByID := make(map[string]string, len(in.Guest.VolumeRefs))
	for _, ref := range in.Guest.VolumeRefs {
		volRoleByID[ref.VolumeID] = ref.Role
	}

	volSubs := make([]types.AttestedVolume, 0, len(in.Volumes))
	for _, v := range in.Volumes {
		key := v.SourceDigest
		if key == "" {
			h := sha256.Sum256([]byte(v.LocalPath))
			key = "path:" + hex.EncodeToString(h[:])
		}
		volSubs = append(volSubs, types.AttestedVolume{
			Role:             volRoleByID[v.ID],
			DigestOrPathHash: key,
			Size:             v.DeclaredSize,
		})
	}
	sort.Slice(volSubs, func(i, j int) bool {
		if volSubs[i].Role != volSubs[j].Role {
			return volSubs[i].Role < volSubs[j].Role
		}
		return volSubs[i].DigestOrPathHash < volSubs[j].DigestOrPathHash
	})

	netSubs := make([]types.AttestedNetwork, 0, len(in.Networks))
	for _, n := range in.Networks {
		netSubs = append(netSubs, types.AttestedNetwork{ID: n.ID, Mode: n.Mode, CIDR: n.CIDR})
	}
	sort.Slice(netSubs, func(i, j int) bool { return netSubs[i].ID < netSubs[j].ID })

	bvs := append([]types.BinaryVersion(nil), in.BinaryVersions...)
	sort.Slice(bvs, func(i, j int) bool { return bvs[i].Name < bvs[j].Name })

	return subject{
		GuestID:            in.Guest.ID,
		MachineProfile:     in.Guest.MachineProfile,
		VCPUCount:          in.Guest.VCPUCount,
		MemoryBytes:        in.Guest.MemoryBytes,
		FirmwareIdentifier: in.Guest.FirmwareProfile,
		Volumes:            volSubs,
		Networks:           netSubs,
		Host:               in.Host,
		BinaryVersions:     bvs,
		DaemonVersion:      in.DaemonVersion,
		TimestampUTC:       in.Now.UTC().Format(time.RFC3339Nano),
	}
}

// SubjectDigest returns the "sha256:<hex>" digest of the canonical encoding
// of in.
func SubjectDigest(in Input) (string, error) {
	return digestOf(buildSubject(in))
}

// Generate builds and signs a new AttestationRecord for in. The canonical
// subject fields are persisted on the record itself, not just their digest,
// so Verify can later recompute the digest from the record alone.
func Generate(in Input, signer *cryptosvc.Service) (*types.AttestationRecord, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AttestationSignDuration)

	subj := buildSubject(in)
	digest, err := digestOf(subj)
	if err != nil {
		return nil, err
	}

	sig, pubHex := signer.Sign([]byte(digest))

	return &types.AttestationRecord{
		ID:                 uuid.NewString(),
		GuestID:            in.Guest.ID,
		CreatedAt:          in.Now.UTC(),
		SubjectDigest:      digest,
		MachineProfile:     subj.MachineProfile,
		VCPUCount:          subj.VCPUCount,
		MemoryBytes:        subj.MemoryBytes,
		FirmwareIdentifier: subj.FirmwareIdentifier,
		Volumes:            subj.Volumes,
		Networks:           subj.Networks,
		DaemonVersion:      subj.DaemonVersion,
		TimestampUTC:       subj.TimestampUTC,
		HostFingerprint:    in.Host,
		BinaryVersions:     subj.BinaryVersions,
		Signature:          hex.EncodeToString(sig),
		SignerPubKey:       pubHex,
	}, nil
}

// digestOf hashes the canonical encoding of subj into a "sha256:<hex>" digest.
func digestOf(subj subject) (string, error) {
	data, err := json.Marshal(subj)
	if err != nil {
		return "", fmt.Errorf("encode subject: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// recordSubject rebuilds the subject struct from record's own declared
// fields, the same shape buildSubject produced at signing time.
func recordSubject(record *types.AttestationRecord) subject {
	return subject{
		GuestID:            record.GuestID,
		MachineProfile:     record.MachineProfile,
		VCPUCount:          record.VCPUCount,
		MemoryBytes:        record.MemoryBytes,
		FirmwareIdentifier: record.FirmwareIdentifier,
		Volumes:            record.Volumes,
		Networks:           record.Networks,
		Host:               record.HostFingerprint,
		BinaryVersions:     record.BinaryVersions,
		DaemonVersion:      record.DaemonVersion,
		TimestampUTC:       record.TimestampUTC,
	}
}

// Verify recomputes the canonical subject encoding from record's own
// declared fields (not live Guest/Volume/Network state), rehashes it, and
// checks the result against the stored SubjectDigest before checking the
// signature. Tampering with any declared field after signing — including
// HostFingerprint, BinaryVersions, or the resolved Volumes/Networks — fails
// the digest comparison even though the signature bytes themselves are
// untouched.
func Verify(record *types.AttestationRecord) error {
	recomputed, err := digestOf(recordSubject(record))
	if err != nil {
		return errkind.Newf(errkind.Integrity, "attestation %s: %v", record.ID, err)
	}
	if recomputed != record.SubjectDigest {
		return errkind.Newf(errkind.Integrity, "attestation %s signature_mismatch: declared fields do not hash to the stored subject digest", record.ID)
	}

	sigBytes, err := hex.DecodeString(record.Signature)
	if err != nil {
		return errkind.Newf(errkind.Integrity, "attestation %s has malformed signature: %v", record.ID, err)
	}

	ok, err := cryptosvc.Verify([]byte(record.SubjectDigest), sigBytes, record.SignerPubKey)
	if err != nil {
		return errkind.Newf(errkind.Integrity, "attestation %s signature check failed: %v", record.ID, err)
	}
	if !ok {
		return errkind.Newf(errkind.Integrity, "attestation %s signature_mismatch: signature does not verify", record.ID)
	}
	return nil
}
