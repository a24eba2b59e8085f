// Package dataset loads pre-materialized mapping samples for a difficulty
// tier. Synthesis is a separate concern: this package never generates data,
// it fails with model.ErrDataUnavailable when the tier's files are missing.
package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapeval-cli/internal/model"
)

const (
	sourceFile = "source.json"
	targetFile = "target.json"

	// Optional marker a generator may embed in a source document to name
	// the schema variant it applied. Stripped before prompting.
	variantKey = "_schema_variant"
)

// Source is an ordered, finite collection of labeled samples for one tier.
// The order is stable across loads: machines sorted lexicographically,
// sample i yielding machine i%M, day i/M (the original study's interleave).
type Source struct {
	tier    model.Tier
	samples []model.Sample
}

// Load reads the materialized dataset for a tier from dir. limit > 0 keeps
// only the first limit days per machine for cost-bounded runs.
func Load(dir string, tier model.Tier, limit int) (*Source, error) {
	if !tier.Valid() {
		return nil, eris.Errorf("dataset: unknown tier %q", tier)
	}

	tierDir := filepath.Join(dir, string(tier))

	source, err := readDocs(filepath.Join(tierDir, sourceFile))
	if err != nil {
		return nil, err
	}
	target, err := readDocs(filepath.Join(tierDir, targetFile))
	if err != nil {
		return nil, err
	}

	machines := make([]string, 0, len(source))
	for id := range source {
		machines = append(machines, id)
	}
	sort.Strings(machines)

	if len(machines) == 0 {
		return nil, eris.Wrapf(model.ErrDataUnavailable, "dataset: %s has no machines", tierDir)
	}

	// Every machine must carry the same number of days in both files.
	perMachine := len(source[machines[0]])
	for _, id := range machines {
		if len(source[id]) != perMachine || len(target[id]) != perMachine {
			return nil, eris.Errorf("dataset: machine %s has mismatched sample counts (source=%d target=%d want=%d)",
				id, len(source[id]), len(target[id]), perMachine)
		}
	}

	if limit > 0 && limit < perMachine {
		zap.L().Warn("limiting dataset",
			zap.Int("days_per_machine", limit),
			zap.Int("available", perMachine),
		)
		perMachine = limit
	}

	samples := make([]model.Sample, 0, perMachine*len(machines))
	for i := 0; i < perMachine*len(machines); i++ {
		machineID := machines[i%len(machines)]
		day := i / len(machines)

		src := source[machineID][day]
		samples = append(samples, model.Sample{
			SampleID:    model.SampleID(machineID, day),
			MachineID:   machineID,
			Day:         day,
			Tier:        tier,
			VariationID: variantOf(src),
			Source:      stripVariant(src),
			Target:      target[machineID][day],
		})
	}

	zap.L().Info("dataset loaded",
		zap.String("tier", string(tier)),
		zap.Int("machines", len(machines)),
		zap.Int("samples", len(samples)),
	)

	return &Source{tier: tier, samples: samples}, nil
}

// Samples returns the full ordered sequence.
func (s *Source) Samples() []model.Sample { return s.samples }

// Len returns the number of samples.
func (s *Source) Len() int { return len(s.samples) }

// Tier returns the tier this source was loaded for.
func (s *Source) Tier() model.Tier { return s.tier }

// readDocs decodes a machineID → ordered day documents file.
func readDocs(path string) (map[string][]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(model.ErrDataUnavailable, "dataset: missing %s", path)
		}
		return nil, eris.Wrapf(err, "dataset: read %s", path)
	}

	var docs map[string][]map[string]any
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, eris.Wrapf(err, "dataset: parse %s", path)
	}
	return docs, nil
}

func variantOf(doc map[string]any) string {
	v, _ := doc[variantKey].(string)
	return v
}

func stripVariant(doc map[string]any) map[string]any {
	if _, ok := doc[variantKey]; !ok {
		return doc
	}
	out := make(map[string]any, len(doc)-1)
	for k, v := range doc {
		if k != variantKey {
			out[k] = v
		}
	}
	return out
}
