package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/compression"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/encryption"
)

// minEntropySample is the smallest sample whose entropy is meaningful
// against a threshold near 8 bits per byte
const minEntropySample = 1024

type check struct {
	check Check
	fn    func(ctx context.Context) Detail
}

// run holds the state shared by the checks of one verification
type run struct {
	svc      *Service
	rec      catalog.BackupRecord
	restorer Restorer
	restored *common.Inspection
}

func (r *run) checks() []check {
	cfg := r.svc.cfg
	var out []check
	if cfg.Checksum {
		out = append(out, check{CheckChecksum, r.checksum})
	}
	if cfg.Format {
		out = append(out, check{CheckFormat, r.format})
	}
	if cfg.Encryption {
		out = append(out, check{CheckEncryption, r.encryption})
	}
	if cfg.Restoration {
		out = append(out, check{CheckRestoration, r.restoration})
	}
	if cfg.Consistency {
		out = append(out, check{CheckConsistency, r.consistency})
	}
	if cfg.Performance {
		out = append(out, check{CheckPerformance, r.performance})
	}
	return out
}

// checksum recomputes the digest of every stored copy
func (r *run) checksum(ctx context.Context) Detail {
	if r.rec.Checksum.Algorithm != backup.ChecksumAlgorithm {
		return Detail{Status: StatusFailed, Message: fmt.Sprintf("unsupported checksum algorithm %q", r.rec.Checksum.Algorithm)}
	}

	matched, unreadable := 0, 0
	for _, loc := range r.rec.Locations {
		body, err := r.svc.engine.OpenCopy(ctx, loc)
		if err != nil {
			unreadable++
			r.svc.logger.WithError(err).Warnf("Copy %s could not be read", loc.Location)
			continue
		}
		digest, _, err := backup.HashReader(body)
		body.Close()
		if err != nil {
			unreadable++
			continue
		}
		if digest != r.rec.Checksum.Digest {
			return Detail{
				Status:  StatusFailed,
				Message: fmt.Sprintf("copy %s has digest %s, catalog records %s: %v", loc.Location, digest, r.rec.Checksum.Digest, drerrors.ErrChecksumMismatch),
			}
		}
		matched++
	}

	m := map[string]float64{"copies": float64(len(r.rec.Locations)), "matched": float64(matched)}
	switch {
	case matched == 0:
		return Detail{Status: StatusFailed, Message: "no stored copy could be read", Metrics: m}
	case unreadable > 0:
		return Detail{Status: StatusWarning, Message: fmt.Sprintf("%d of %d copies could not be read", unreadable, len(r.rec.Locations)), Metrics: m}
	}
	return Detail{Status: StatusPassed, Message: fmt.Sprintf("%d copies match %s", matched, r.rec.Checksum.Digest), Metrics: m}
}

// format inspects the artifact header of the local copy
func (r *run) format(ctx context.Context) Detail {
	loc, ok := r.svc.engine.LocalCopy(r.rec)
	if !ok {
		return Detail{Status: StatusSkipped, Message: "no local copy to inspect"}
	}
	header, err := r.readPrefix(ctx, loc, 512)
	if err != nil {
		return Detail{Status: StatusWarning, Message: fmt.Sprintf("local copy unreadable: %v", err)}
	}

	switch {
	case r.rec.Encrypted:
		if !encryption.IsSealed(header) {
			return Detail{Status: StatusFailed, Message: "artifact is flagged encrypted but has no encryption envelope"}
		}
		return Detail{Status: StatusPassed, Message: "encryption envelope present"}
	case r.rec.Compression != "":
		got := compression.Detect(header)
		if string(got) != r.rec.Compression {
			return Detail{Status: StatusFailed, Message: fmt.Sprintf("artifact header is %q, catalog records %s", got, r.rec.Compression)}
		}
		return Detail{Status: StatusPassed, Message: string(got) + " stream"}
	}

	tool := common.SniffDump(header)
	if tool == "" {
		return Detail{Status: StatusWarning, Message: "dump header not recognised"}
	}
	if r.rec.DatabaseType != "" && tool != r.rec.DatabaseType {
		return Detail{Status: StatusWarning, Message: fmt.Sprintf("%s dump recorded as %s", tool, r.rec.DatabaseType)}
	}
	return Detail{Status: StatusPassed, Message: tool + " dump"}
}

// encryption estimates the entropy of the artifact head and cross-checks it
// against the encrypted flag in both directions
func (r *run) encryption(ctx context.Context) Detail {
	loc := r.rec.Locations[0]
	if local, ok := r.svc.engine.LocalCopy(r.rec); ok {
		loc = local
	}
	sample, err := r.readPrefix(ctx, loc, r.svc.cfg.EntropySampleBytes)
	if err != nil {
		return Detail{Status: StatusWarning, Message: fmt.Sprintf("could not sample artifact: %v", err)}
	}
	sealed := encryption.IsSealed(sample)
	body := sample
	if sealed && r.rec.KeyID != "" && len(sample) > encryption.HeaderSize(r.rec.KeyID) {
		body = sample[encryption.HeaderSize(r.rec.KeyID):]
	}
	h := Entropy(body)
	threshold := r.svc.cfg.EntropyThreshold
	m := map[string]float64{"entropy": h, "threshold": threshold, "sampleBytes": float64(len(body))}

	if !r.rec.Encrypted {
		switch {
		case sealed:
			return Detail{Status: StatusFailed, Message: "artifact carries an encryption envelope but is not flagged encrypted", Metrics: m}
		case h >= threshold && r.rec.Compression == "":
			return Detail{Status: StatusWarning, Message: fmt.Sprintf("entropy %.2f bits/byte suggests encrypted data in an artifact flagged plain", h), Metrics: m}
		}
		return Detail{Status: StatusPassed, Message: fmt.Sprintf("unencrypted artifact, entropy %.2f bits/byte", h), Metrics: m}
	}

	if !sealed {
		return Detail{Status: StatusFailed, Message: "artifact is flagged encrypted but has no encryption envelope", Metrics: m}
	}
	if !r.svc.engine.KeyAvailable(r.rec.KeyID) {
		return Detail{Status: StatusFailed, Message: fmt.Sprintf("key %s: %v", r.rec.KeyID, drerrors.ErrKeyUnavailable), Metrics: m}
	}
	if h < threshold {
		if len(body) < minEntropySample {
			return Detail{Status: StatusWarning, Message: fmt.Sprintf("sample of %d bytes is too small to judge entropy %.2f", len(body), h), Metrics: m}
		}
		return Detail{Status: StatusFailed, Message: fmt.Sprintf("entropy %.2f bits/byte is below %.2f for an encrypted artifact", h, threshold), Metrics: m}
	}
	return Detail{Status: StatusPassed, Message: fmt.Sprintf("encrypted with %s, entropy %.2f bits/byte", r.rec.KeyID, h), Metrics: m}
}

func (r *run) restoration(ctx context.Context) Detail {
	if r.restorer == nil {
		return Detail{Status: StatusSkipped, Message: "restoration testing is not configured"}
	}
	report, err := r.restorer.VerifyRestore(ctx, r.rec.ID)
	if err != nil {
		return Detail{Status: StatusFailed, Message: err.Error()}
	}
	r.restored = report.Inspection
	return Detail{Status: report.Status, Message: report.Message}
}

// consistency compares the restored copy with the live source database
func (r *run) consistency(ctx context.Context) Detail {
	if r.restored == nil {
		return Detail{Status: StatusSkipped, Message: "no restored copy to inspect"}
	}
	if r.svc.source == nil {
		return Detail{Status: StatusSkipped, Message: "no source database configured"}
	}
	live, err := r.svc.source.Inspect(ctx, r.svc.sourceTarget)
	if err != nil {
		return Detail{Status: StatusWarning, Message: fmt.Sprintf("source inspection failed: %v", err)}
	}
	return CompareInspections(live, r.restored)
}

// CompareInspections spot-checks a restored database against the source:
// table presence, non-empty tables and foreign key presence
func CompareInspections(source, restored *common.Inspection) Detail {
	m := map[string]float64{
		"sourceTables":       float64(len(source.Tables)),
		"restoredTables":     float64(len(restored.Tables)),
		"sourceRows":         float64(source.TotalRows()),
		"restoredRows":       float64(restored.TotalRows()),
		"sourceForeignKeys":  float64(source.ForeignKeys),
		"restoredForeignKey": float64(restored.ForeignKeys),
	}
	if source.TotalRows() > 0 && restored.TotalRows() == 0 {
		return Detail{Status: StatusFailed, Message: "restored copy holds no rows", Metrics: m}
	}
	if source.ForeignKeys > 0 && restored.ForeignKeys == 0 {
		return Detail{Status: StatusFailed, Message: "foreign keys missing from restored copy", Metrics: m}
	}

	var missing, emptied []string
	for _, t := range source.Tables {
		rt, ok := restored.Table(t.Name)
		switch {
		case !ok:
			missing = append(missing, t.Name)
		case t.Rows > 0 && rt.Rows == 0:
			emptied = append(emptied, t.Name)
		}
	}
	switch {
	case len(missing) > 0:
		return Detail{Status: StatusWarning, Message: fmt.Sprintf("tables not in backup: %v", missing), Metrics: m}
	case len(emptied) > 0:
		return Detail{Status: StatusWarning, Message: fmt.Sprintf("tables empty in backup: %v", emptied), Metrics: m}
	}
	return Detail{Status: StatusPassed, Message: fmt.Sprintf("%d tables, %d rows restored", len(restored.Tables), restored.TotalRows()), Metrics: m}
}

// performance compares backup throughput and compression ratio with the
// configured floors
func (r *run) performance(ctx context.Context) Detail {
	cfg := r.svc.cfg
	m := map[string]float64{}
	var warnings []string

	if r.rec.Duration > 0 {
		mbps := float64(r.rec.Size) / (1024 * 1024) / r.rec.Duration.Seconds()
		m["throughputMBps"] = mbps
		if cfg.MinThroughputMBps > 0 && mbps < cfg.MinThroughputMBps && r.rec.Size >= 1024*1024 {
			warnings = append(warnings, fmt.Sprintf("throughput %.2f MB/s below %.2f MB/s", mbps, cfg.MinThroughputMBps))
		}
	}
	if ratio, ok := compressionRatio(r.rec); ok {
		m["compressionRatio"] = ratio
		if cfg.MinCompressionRatio > 0 && ratio < cfg.MinCompressionRatio {
			warnings = append(warnings, fmt.Sprintf("compression ratio %.2f below %.2f", ratio, cfg.MinCompressionRatio))
		}
	}
	if len(warnings) > 0 {
		return Detail{Status: StatusWarning, Message: fmt.Sprint(warnings), Metrics: m}
	}
	return Detail{Status: StatusPassed, Message: fmt.Sprintf("%s in %s", humanize.IBytes(uint64(r.rec.Size)), r.rec.Duration), Metrics: m}
}

func (r *run) readPrefix(ctx context.Context, loc catalog.StorageLocation, n int) ([]byte, error) {
	body, err := r.svc.engine.OpenCopy(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	buf := make([]byte, n)
	got, err := io.ReadFull(body, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:got], nil
}

// Entropy returns the Shannon entropy of b in bits per byte
func Entropy(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var counts [256]int
	for _, c := range b {
		counts[c]++
	}
	n := float64(len(b))
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
