package pdclient

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"google.golang.org/grpc"

	"github.com/batchwrite/coordinator/internal/wire"
)

// physicalShiftBits mirrors TiKV/TiDB's timestamp composition: a 64-bit
// ts packs a millisecond-resolution physical clock in the high bits and a
// logical counter in the low bits, so that (physical, logical) pairs
// compare the same way as the composed integer.
const physicalShiftBits = 18

func composeTS(physical, logical int64) int64 {
	return physical<<physicalShiftBits | logical
}

// getTSO performs a single request/response round over the Tso streaming
// RPC, condensed from scheduler/client/client.go's batching tsLoop (which
// merges concurrently pending requests into one Send/Recv) down to one
// request per call since the coordinator only ever needs startTs and
// commitTs, never a high-throughput TSO stream.
func getTSO(ctx context.Context, conn *grpc.ClientConn) (int64, error) {
	stream, err := pdpb.NewPDClient(conn).Tso(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "pdclient: open tso stream")
	}
	defer stream.CloseSend()

	if err := stream.Send(&pdpb.TsoRequest{Header: &pdpb.RequestHeader{}, Count: 1}); err != nil {
		return 0, errors.Annotate(err, "pdclient: send tso request")
	}
	resp, err := stream.Recv()
	if err != nil {
		return 0, errors.Annotate(err, "pdclient: recv tso response")
	}
	ts := resp.GetTimestamp()
	return composeTS(ts.GetPhysical(), ts.GetLogical()), nil
}

func getRegionByKey(ctx context.Context, conn *grpc.ClientConn, key []byte) (*wire.Region, error) {
	resp, err := pdpb.NewPDClient(conn).GetRegion(ctx, &pdpb.GetRegionRequest{
		Header:    &pdpb.RequestHeader{},
		RegionKey: key,
	})
	if err != nil {
		return nil, errors.Annotate(err, "pdclient: get region")
	}
	return resp.GetRegion(), nil
}

// scanTableRegions walks forward from the table's first possible row key
// using repeated GetRegion calls on each region's EndKey, mirroring
// ScanRegions' "start from the region containing key" contract in
// scheduler/client/client.go but without a single scan RPC, since this
// module only needs the region list once per write, not continuously.
func scanTableRegions(ctx context.Context, conn *grpc.ClientConn, tableID int64) ([]*wire.Region, error) {
	start := tableRowPrefix(tableID)
	end := tableRowPrefix(tableID + 1)

	var regions []*wire.Region
	pd := pdpb.NewPDClient(conn)
	key := start
	for {
		resp, err := pd.GetRegion(ctx, &pdpb.GetRegionRequest{Header: &pdpb.RequestHeader{}, RegionKey: key})
		if err != nil {
			return nil, errors.Annotate(err, "pdclient: scan table regions")
		}
		region := resp.GetRegion()
		if region == nil {
			break
		}
		regions = append(regions, region)
		if len(region.GetEndKey()) == 0 || compareBytes(region.GetEndKey(), end) >= 0 {
			break
		}
		key = region.GetEndKey()
	}
	return regions, nil
}

func tableRowPrefix(tableID int64) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, 't')
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(tableID)
		tableID >>= 8
	}
	return append(buf, tmp[:]...)
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func scatterRegion(ctx context.Context, conn *grpc.ClientConn, regionID uint64) error {
	_, err := pdpb.NewPDClient(conn).ScatterRegion(ctx, &pdpb.ScatterRegionRequest{
		Header:   &pdpb.RequestHeader{},
		RegionId: regionID,
	})
	return errors.Trace(err)
}

func splitRegion(ctx context.Context, conn *grpc.ClientConn, start, end []byte) error {
	_, err := pdpb.NewPDClient(conn).SplitRegions(ctx, &pdpb.SplitRegionsRequest{
		Header:     &pdpb.RequestHeader{},
		SplitKeys:  [][]byte{start, end},
	})
	return errors.Trace(err)
}
