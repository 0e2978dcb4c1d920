// Package etcdstore provides a durable tokenstore.Store backed by etcd,
// using lease-scoped keys for claims (so a crashed owner's claim expires
// automatically) and compare-and-set transactions for token persistence.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/psep-io/psep/internal/segment"
	"github.com/psep-io/psep/token"
	"github.com/psep-io/psep/tokenstore"
)

// Store is a tokenstore.Store backed by an etcd cluster. Every Store
// tracks the lease IDs it has itself granted for outstanding claims, so
// ExtendClaim and ReleaseClaim never need to read the claim back from
// etcd first.
type Store struct {
	Client       *clientv3.Client
	Prefix       string
	ClaimTimeout time.Duration
	Identifier   string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

var _ tokenstore.Store = (*Store)(nil)

// New returns a Store rooted at prefix (e.g. "/psep/"), using client for
// all reads and writes. claimTimeout becomes the TTL of every lease
// granted for a claim.
func New(client *clientv3.Client, prefix string, claimTimeout time.Duration) *Store {
	return &Store{
		Client:       client,
		Prefix:       strings.TrimSuffix(prefix, "/"),
		ClaimTimeout: claimTimeout,
		Identifier:   fmt.Sprintf("etcd:%s", prefix),
		leases:       make(map[string]clientv3.LeaseID),
	}
}

type segmentRow struct {
	Mask  segment.Mask `json:"mask"`
	Token token.Token  `json:"token"`
}

func (s *Store) segmentsDir(processor string) string { return fmt.Sprintf("%s/%s/segments/", s.Prefix, processor) }
func (s *Store) segmentKey(processor string, id segment.ID) string {
	return fmt.Sprintf("%s%d", s.segmentsDir(processor), id)
}
func (s *Store) claimKey(processor string, id segment.ID) string {
	return fmt.Sprintf("%s/%s/claims/%d", s.Prefix, processor, id)
}
func (s *Store) leaseCacheKey(processor string, id segment.ID) string {
	return fmt.Sprintf("%s/%d", processor, id)
}

func (s *Store) InitializeTokenSegments(ctx context.Context, processor string, count int, initial token.Token) error {
	var existing, err = s.Client.Get(ctx, s.segmentsDir(processor), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return errors.Wrap(tokenstore.ErrStoreUnavailable, err.Error())
	}
	if existing.Count > 0 {
		return errors.Wrapf(tokenstore.ErrUnableToInitialize, "processor %q", processor)
	}

	var segs, serr = segment.Initial(count)
	if serr != nil {
		return errors.Wrap(serr, "computing initial segments")
	}

	var ops = make([]clientv3.Op, 0, len(segs))
	for _, seg := range segs {
		var raw, merr = json.Marshal(segmentRow{Mask: seg.Mask, Token: initial})
		if merr != nil {
			return errors.Wrap(merr, "marshaling segment row")
		}
		ops = append(ops, clientv3.OpPut(s.segmentKey(processor, seg.ID), string(raw)))
	}

	var txnResp, terr = s.Client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(s.segmentKey(processor, segs[0].ID)), "=", 0)).
		Then(ops...).
		Commit()
	if terr != nil {
		return errors.Wrap(tokenstore.ErrStoreUnavailable, terr.Error())
	}
	if !txnResp.Succeeded {
		return errors.Wrapf(tokenstore.ErrUnableToInitialize, "processor %q", processor)
	}
	return nil
}

func (s *Store) FetchSegments(ctx context.Context, processor string) ([]segment.Segment, error) {
	var resp, err = s.Client.Get(ctx, s.segmentsDir(processor), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(tokenstore.ErrStoreUnavailable, err.Error())
	}

	var out = make([]segment.Segment, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var id, perr = parseSegmentID(string(kv.Key))
		if perr != nil {
			continue
		}
		var row segmentRow
		if err := json.Unmarshal(kv.Value, &row); err != nil {
			return nil, errors.Wrap(err, "decoding segment row")
		}
		out = append(out, segment.Segment{ID: id, Mask: row.Mask})
	}
	return out, nil
}

func parseSegmentID(key string) (segment.ID, error) {
	var idx = strings.LastIndex(key, "/")
	var n, err = strconv.ParseUint(key[idx+1:], 10, 32)
	if err != nil {
		return 0, err
	}
	return segment.ID(n), nil
}

func (s *Store) FetchToken(ctx context.Context, processor string, segmentID segment.ID, owner string) (token.Token, error) {
	var segResp, err = s.Client.Get(ctx, s.segmentKey(processor, segmentID))
	if err != nil {
		return token.Token{}, errors.Wrap(tokenstore.ErrStoreUnavailable, err.Error())
	}
	if len(segResp.Kvs) == 0 {
		return token.Token{}, errors.Wrapf(tokenstore.ErrSegmentNotFound, "processor %q segment %d", processor, segmentID)
	}
	var row segmentRow
	if err := json.Unmarshal(segResp.Kvs[0].Value, &row); err != nil {
		return token.Token{}, errors.Wrap(err, "decoding segment row")
	}

	var claimResp, cerr = s.Client.Get(ctx, s.claimKey(processor, segmentID))
	if cerr != nil {
		return token.Token{}, errors.Wrap(tokenstore.ErrStoreUnavailable, cerr.Error())
	}
	if len(claimResp.Kvs) > 0 && string(claimResp.Kvs[0].Value) != owner {
		return token.Token{}, errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d held by another owner", processor, segmentID)
	}

	var lease, lerr = s.Client.Grant(ctx, int64(s.ClaimTimeout.Seconds()))
	if lerr != nil {
		return token.Token{}, errors.Wrap(tokenstore.ErrStoreUnavailable, lerr.Error())
	}

	var cmp clientv3.Cmp
	if len(claimResp.Kvs) > 0 {
		cmp = clientv3.Compare(clientv3.ModRevision(s.claimKey(processor, segmentID)), "=", claimResp.Kvs[0].ModRevision)
	} else {
		cmp = clientv3.Compare(clientv3.Version(s.claimKey(processor, segmentID)), "=", 0)
	}

	var txnResp, terr = s.Client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(s.claimKey(processor, segmentID), owner, clientv3.WithLease(lease.ID))).
		Commit()
	if terr != nil {
		return token.Token{}, errors.Wrap(tokenstore.ErrStoreUnavailable, terr.Error())
	}
	if !txnResp.Succeeded {
		return token.Token{}, errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d: lost claim race", processor, segmentID)
	}

	s.mu.Lock()
	s.leases[s.leaseCacheKey(processor, segmentID)] = lease.ID
	s.mu.Unlock()

	return row.Token, nil
}

func (s *Store) ExtendClaim(ctx context.Context, processor string, segmentID segment.ID, owner string) error {
	var lease, ok = s.ownedLease(processor, segmentID)
	if !ok {
		return errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d not held by this instance", processor, segmentID)
	}
	if _, err := s.Client.KeepAliveOnce(ctx, lease); err != nil {
		return errors.Wrap(tokenstore.ErrUnableToClaim, err.Error())
	}
	return nil
}

func (s *Store) StoreToken(ctx context.Context, processor string, segmentID segment.ID, owner string, tok token.Token) error {
	var lease, ok = s.ownedLease(processor, segmentID)
	if !ok {
		return errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d not held by this instance", processor, segmentID)
	}

	var segResp, err = s.Client.Get(ctx, s.segmentKey(processor, segmentID))
	if err != nil {
		return errors.Wrap(tokenstore.ErrStoreUnavailable, err.Error())
	}
	if len(segResp.Kvs) == 0 {
		return errors.Wrapf(tokenstore.ErrSegmentNotFound, "processor %q segment %d", processor, segmentID)
	}
	var row segmentRow
	if err := json.Unmarshal(segResp.Kvs[0].Value, &row); err != nil {
		return errors.Wrap(err, "decoding segment row")
	}
	row.Token = tok
	var raw, merr = json.Marshal(row)
	if merr != nil {
		return errors.Wrap(merr, "marshaling segment row")
	}

	var txnResp, terr = s.Client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(s.claimKey(processor, segmentID)), "=", int64(lease))).
		Then(clientv3.OpPut(s.segmentKey(processor, segmentID), string(raw))).
		Commit()
	if terr != nil {
		return errors.Wrap(tokenstore.ErrStoreUnavailable, terr.Error())
	}
	if !txnResp.Succeeded {
		return errors.Wrapf(tokenstore.ErrUnableToClaim, "processor %q segment %d: claim lost before store", processor, segmentID)
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, processor string, segmentID segment.ID, owner string) error {
	var lease, ok = s.ownedLease(processor, segmentID)
	if !ok {
		return nil // Best-effort: nothing this instance holds to release.
	}
	s.mu.Lock()
	delete(s.leases, s.leaseCacheKey(processor, segmentID))
	s.mu.Unlock()

	// Revoking the lease deletes the claim key attached to it.
	_, _ = s.Client.Revoke(ctx, lease)
	return nil
}

func (s *Store) InitializeSegment(ctx context.Context, processor string, seg segment.Segment, initial token.Token) error {
	var raw, err = json.Marshal(segmentRow{Mask: seg.Mask, Token: initial})
	if err != nil {
		return errors.Wrap(err, "marshaling segment row")
	}
	var txnResp, terr = s.Client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(s.segmentKey(processor, seg.ID)), "=", 0)).
		Then(clientv3.OpPut(s.segmentKey(processor, seg.ID), string(raw))).
		Commit()
	if terr != nil {
		return errors.Wrap(tokenstore.ErrStoreUnavailable, terr.Error())
	}
	if !txnResp.Succeeded {
		return errors.Wrapf(tokenstore.ErrUnableToInitialize, "processor %q segment %d", processor, seg.ID)
	}
	return nil
}

func (s *Store) DeleteSegment(ctx context.Context, processor string, segmentID segment.ID) error {
	if _, err := s.Client.Delete(ctx, s.segmentKey(processor, segmentID)); err != nil {
		return errors.Wrap(tokenstore.ErrStoreUnavailable, err.Error())
	}
	return nil
}

func (s *Store) RequiresExplicitSegmentInitialization() bool { return true }

func (s *Store) RetrieveStorageIdentifier() string { return s.Identifier }

func (s *Store) ownedLease(processor string, segmentID segment.ID) (clientv3.LeaseID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id, ok = s.leases[s.leaseCacheKey(processor, segmentID)]
	return id, ok
}
