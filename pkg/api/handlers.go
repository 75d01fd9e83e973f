package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattbaird/jsonpatch"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/dquot"
)

type recordView struct {
	FS   string     `json:"fs"`
	Type dquot.Type `json:"type"`
	ID   uint32     `json:"id"`
	dquot.Block
	Flags string `json:"flags"`
	Refs  int    `json:"refs"`
	Slot  uint64 `json:"slot"`
}

func toRecordView(s dquot.Snapshot) recordView {
	return recordView{
		FS:    s.Key.FS,
		Type:  s.Key.Type,
		ID:    s.Key.ID,
		Block: s.Block,
		Flags: s.Flags.String(),
		Refs:  s.Refs,
		Slot:  s.Slot,
	}
}

type infoView struct {
	Enabled    bool   `json:"enabled"`
	Format     string `json:"format,omitempty"`
	Path       string `json:"path,omitempty"`
	BlockGrace string `json:"block_grace,omitempty"`
	InodeGrace string `json:"inode_grace,omitempty"`
	RootSquash bool   `json:"root_squash"`
	Dirty      bool   `json:"dirty"`
}

// recordRequest carries the fields to change. Sizes and counts are
// quantities such as "10Gi" or "1k"; grace expiries are unix seconds.
type recordRequest struct {
	BHardLimit *string `json:"bhardlimit"`
	BSoftLimit *string `json:"bsoftlimit"`
	CurSpace   *string `json:"curspace"`
	IHardLimit *string `json:"ihardlimit"`
	ISoftLimit *string `json:"isoftlimit"`
	CurInodes  *string `json:"curinodes"`
	BTime      *int64  `json:"btime"`
	ITime      *int64  `json:"itime"`
}

type infoRequest struct {
	BlockGrace *string `json:"block_grace"`
	InodeGrace *string `json:"inode_grace"`
	RootSquash *bool   `json:"root_squash"`
}

type onRequest struct {
	Format string `json:"format" binding:"required"`
	Path   string `json:"path" binding:"required"`
}

// ParseQuantity parses a non-negative Kubernetes quantity into an integer,
// rounding fractions up.
func ParseQuantity(s string) (uint64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("negative quantity %q", s)
	}
	return uint64(q.Value()), nil
}

func quantityField(name string, s *string) (*uint64, error) {
	if s == nil {
		return nil, nil
	}
	v, err := ParseQuantity(*s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &v, nil
}

func (r recordRequest) toUpdate() (dquot.RecordUpdate, error) {
	upd := dquot.RecordUpdate{BTime: r.BTime, ITime: r.ITime}
	fields := []struct {
		name string
		in   *string
		out  **uint64
	}{
		{"bhardlimit", r.BHardLimit, &upd.BHardLimit},
		{"bsoftlimit", r.BSoftLimit, &upd.BSoftLimit},
		{"curspace", r.CurSpace, &upd.CurSpace},
		{"ihardlimit", r.IHardLimit, &upd.IHardLimit},
		{"isoftlimit", r.ISoftLimit, &upd.ISoftLimit},
		{"curinodes", r.CurInodes, &upd.CurInodes},
	}
	for _, f := range fields {
		v, err := quantityField(f.name, f.in)
		if err != nil {
			return dquot.RecordUpdate{}, err
		}
		*f.out = v
	}
	return upd, nil
}

func (r recordRequest) changesLimits() bool {
	return r.BHardLimit != nil || r.BSoftLimit != nil || r.IHardLimit != nil || r.ISoftLimit != nil
}

func (s *Server) target(c *gin.Context) (*dquot.Filesystem, dquot.Type, bool) {
	fs, err := s.cache.Filesystem(c.Param("fs"))
	if err != nil {
		abort(c, err)
		return nil, 0, false
	}
	t, err := dquot.ParseType(c.Param("type"))
	if err != nil {
		badRequest(c, err)
		return nil, 0, false
	}
	return fs, t, true
}

func parseID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return uint32(id), true
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) listWarnings(c *gin.Context) {
	if s.warnings == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, s.warnings.List())
}

func (s *Server) listFilesystems(c *gin.Context) {
	out := map[string]map[string]infoView{}
	for _, fs := range s.cache.Filesystems() {
		types := map[string]infoView{}
		for t := dquot.Type(0); t < dquot.MaxQuotas; t++ {
			view := infoView{}
			if id, ok := fs.FormatOf(t); ok {
				view = infoView{Enabled: true, Format: id.String()}
			}
			types[t.String()] = view
		}
		out[fs.Name()] = types
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getInfo(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	info, err := fs.GetInfo(c.Request.Context(), t)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, infoView{
		Enabled:    info.Enabled,
		Format:     info.Format.String(),
		Path:       info.Path,
		BlockGrace: info.BlockGrace.String(),
		InodeGrace: info.InodeGrace.String(),
		RootSquash: info.Flags&dquot.FlagRootSquash != 0,
		Dirty:      info.Dirty,
	})
}

func (s *Server) putInfo(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	var req infoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	var upd dquot.InfoUpdate
	for _, f := range []struct {
		in  *string
		out **time.Duration
	}{{req.BlockGrace, &upd.BlockGrace}, {req.InodeGrace, &upd.InodeGrace}} {
		if f.in == nil {
			continue
		}
		d, err := time.ParseDuration(*f.in)
		if err != nil || d < 0 {
			badRequest(c, fmt.Errorf("invalid grace period %q", *f.in))
			return
		}
		*f.out = &d
	}
	if req.RootSquash != nil {
		cur, err := fs.GetInfo(ctx, t)
		if err != nil {
			abort(c, err)
			return
		}
		flags := cur.Flags &^ dquot.FlagRootSquash
		if *req.RootSquash {
			flags |= dquot.FlagRootSquash
		}
		upd.Flags = &flags
	}
	if err := fs.SetInfo(ctx, t, upd); err != nil {
		abort(c, err)
		return
	}
	klog.InfoS("Quota info updated", "fs", fs.Name(), "type", t)
	s.getInfo(c)
}

func (s *Server) listRecords(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	records := fs.Records(t)
	out := make([]recordView, 0, len(records))
	for _, r := range records {
		out = append(out, toRecordView(r))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getRecord(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	snap, err := fs.GetRecord(c.Request.Context(), t, id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecordView(snap))
}

func (s *Server) putRecord(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	upd, err := req.toUpdate()
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	before, err := fs.GetRecord(ctx, t, id)
	if err != nil {
		abort(c, err)
		return
	}
	after, err := fs.SetRecord(ctx, t, id, upd)
	if err != nil {
		abort(c, err)
		return
	}
	logPatch(toRecordView(before), toRecordView(after))
	if req.changesLimits() && s.warnings != nil {
		s.warnings.Clear(after.Key)
	}
	c.JSON(http.StatusOK, toRecordView(after))
}

// logPatch records the JSON patch from before to after. Reference counts are
// left out since they only describe the request itself.
func logPatch(before, after recordView) {
	before.Refs, after.Refs = 0, 0
	a, err := json.Marshal(before)
	if err != nil {
		return
	}
	b, err := json.Marshal(after)
	if err != nil {
		return
	}
	ops, err := jsonpatch.CreatePatch(a, b)
	if err != nil {
		klog.ErrorS(err, "Cannot diff quota record update")
		return
	}
	patch, _ := json.Marshal(ops)
	klog.InfoS("Quota record updated", "fs", after.FS, "type", after.Type, "id", after.ID,
		"patch", string(patch))
}

func (s *Server) sync(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	if err := fs.Sync(c.Request.Context(), t); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) quotaOn(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	var req onRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	format, err := dquot.ParseFormat(req.Format)
	if err != nil {
		abort(c, err)
		return
	}
	if err := fs.On(c.Request.Context(), t, format, req.Path); err != nil {
		abort(c, err)
		return
	}
	s.getInfo(c)
}

func (s *Server) quotaOff(c *gin.Context) {
	fs, t, ok := s.target(c)
	if !ok {
		return
	}
	if err := fs.Off(c.Request.Context(), t); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
