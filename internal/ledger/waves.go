package ledger

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapeval-cli/pkg/waves"
)

// addressBook is the waves_addresses.json layout: one dApp account per
// machine, in machine order, plus the aggregation account.
type addressBook struct {
	Machines []struct {
		Address string `json:"address"`
	} `json:"machines"`
	Aggregated struct {
		Address string `json:"address"`
	} `json:"aggregated"`
}

// WavesPublisher writes metrics to per-machine dApps on a Waves chain.
type WavesPublisher struct {
	client       waves.Client
	machineDApps map[string]string
	aggregate    string
	confirmIn    time.Duration
}

// NewWaves builds a publisher. machineIDs must be the dataset's machines;
// they are matched positionally against the address book, so both sides use
// the same ordering.
func NewWaves(client waves.Client, addressesPath string, machineIDs []string) (*WavesPublisher, error) {
	raw, err := os.ReadFile(addressesPath)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: read address book %s", addressesPath)
	}

	var book addressBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, eris.Wrapf(err, "ledger: parse address book %s", addressesPath)
	}
	if len(book.Machines) < len(machineIDs) {
		return nil, eris.Errorf("ledger: address book has %d machine accounts, need %d", len(book.Machines), len(machineIDs))
	}
	if book.Aggregated.Address == "" {
		return nil, eris.New("ledger: address book has no aggregation account")
	}

	ids := append([]string(nil), machineIDs...)
	sort.Strings(ids)

	dapps := make(map[string]string, len(ids))
	for i, id := range ids {
		dapps[id] = book.Machines[i].Address
	}

	return &WavesPublisher{
		client:       client,
		machineDApps: dapps,
		aggregate:    book.Aggregated.Address,
		confirmIn:    60 * time.Second,
	}, nil
}

func (p *WavesPublisher) StoreMetrics(ctx context.Context, machineID string, doc map[string]any) (*Receipt, error) {
	dapp, ok := p.machineDApps[machineID]
	if !ok {
		return nil, eris.Errorf("ledger: no dApp account for machine %s", machineID)
	}

	payload, err := json.Marshal(EncodePayload(doc))
	if err != nil {
		return nil, eris.Wrap(err, "ledger: marshal payload")
	}

	tx, err := p.client.InvokeScript(ctx, waves.InvokeRequest{
		DApp:     dapp,
		Function: "storeMetrics",
		Args:     []waves.Arg{{Type: "string", Value: string(payload)}},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: store metrics for %s", machineID)
	}

	info, err := p.client.WaitForTransaction(ctx, tx.ID, p.confirmIn)
	if err != nil {
		// The invoke was accepted; confirmation is advisory.
		zap.L().Warn("metrics transaction not confirmed in time",
			zap.String("machine_id", machineID),
			zap.String("tx_id", tx.ID),
			zap.Error(err))
		return &Receipt{TxID: tx.ID}, nil
	}
	return &Receipt{TxID: info.ID, Height: info.Height}, nil
}

func (p *WavesPublisher) AggregateDay(ctx context.Context, date string) error {
	_, err := p.client.InvokeScript(ctx, waves.InvokeRequest{
		DApp:     p.aggregate,
		Function: "aggregateBatchData",
		Args:     []waves.Arg{{Type: "string", Value: date}},
	})
	return eris.Wrapf(err, "ledger: aggregate day %s", date)
}

// EncodePayload prepares a mapped document for a contract that only accepts
// string entries: every numeric value is scaled by 100 and truncated to an
// integer, then everything is stringified. Non-numeric strings pass through.
func EncodePayload(doc map[string]any) map[string]string {
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatInt(int64(val*100), 10)
	case bool:
		// Booleans scale like the number they coerce to.
		if val {
			return "100"
		}
		return "0"
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return strconv.FormatInt(int64(f*100), 10)
		}
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
