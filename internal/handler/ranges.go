package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/oolio-offers/internal/domain/productrange"
)

type rangeRequest struct {
	Name   string
	Config productrange.Config
}

func decodeRangeRequest(w http.ResponseWriter, r *http.Request) (rangeRequest, error) {
	var (
		req rangeRequest
		c   = &req.Config
	)
	err := readBody(w, r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "name":
			req.Name, err = d.Str()
		case "catalog_id":
			c.CatalogID, err = decodeOptInt64(d)
		case "catalog_query":
			c.CatalogQuery, err = decodeOptStr(d)
		case "course_catalog":
			c.CourseCatalog, err = decodeOptInt64(d)
		case "course_seat_types":
			c.CourseSeatTypes, err = decodeOptStr(d)
		case "includes_all_products":
			c.IncludesAllProducts, err = d.Bool()
		case "enterprise_customer":
			c.EnterpriseCustomer, err = decodeOptUUID(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return req, err
	}
	if req.Name == "" {
		return req, badRequest(errors.New("name is required"))
	}
	return req, nil
}

func encodeRange(e *jx.Encoder, rng *productrange.Range) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(rng.ID)
	e.FieldStart("name")
	e.Str(rng.Name)
	e.FieldStart("mode")
	e.Str(productrange.ModeName(rng.Mode))

	switch m := rng.Mode.(type) {
	case productrange.StaticCatalog:
		e.FieldStart("catalog_id")
		e.Int64(m.CatalogID)
	case productrange.DynamicQuery:
		e.FieldStart("catalog_query")
		e.Str(m.Query)
		e.FieldStart("course_seat_types")
		e.Str(m.SeatTypes.String())
	case productrange.ExternalCatalog:
		e.FieldStart("course_catalog")
		e.Int64(m.CatalogID)
		e.FieldStart("course_seat_types")
		e.Str(m.SeatTypes.String())
	}

	e.FieldStart("includes_all_products")
	e.Bool(rng.IncludesAllProducts)
	e.FieldStart("enterprise_customer")
	encodeOptUUID(e, rng.EnterpriseCustomer)
	e.ObjEnd()
}

func encodeProduct(e *jx.Encoder, p productrange.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(p.ID)
	e.FieldStart("course_id")
	e.Str(p.CourseID)
	e.FieldStart("certificate_type")
	e.Str(p.CertificateType)
	e.ObjEnd()
}

func (h *Handler) listRanges(w http.ResponseWriter, r *http.Request) error {
	ranges, err := h.ranges.List(r.Context())
	if err != nil {
		return errors.Wrap(err, "list ranges")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ArrStart()
	for _, rng := range ranges {
		encodeRange(e, rng)
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, e)
	return nil
}

func (h *Handler) createRange(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeRangeRequest(w, r)
	if err != nil {
		return err
	}
	rng, err := h.ranges.Create(r.Context(), req.Name, req.Config)
	if err != nil {
		return errors.Wrap(err, "create range")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeRange(e, rng)
	writeJSON(w, http.StatusCreated, e)
	return nil
}

func (h *Handler) getRange(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	rng, err := h.ranges.Get(r.Context(), id)
	if err != nil {
		return errors.Wrap(err, "get range")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeRange(e, rng)
	writeJSON(w, http.StatusOK, e)
	return nil
}

func (h *Handler) updateRange(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	req, err := decodeRangeRequest(w, r)
	if err != nil {
		return err
	}
	rng, err := h.ranges.Update(r.Context(), id, req.Name, req.Config)
	if err != nil {
		return errors.Wrap(err, "update range")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeRange(e, rng)
	writeJSON(w, http.StatusOK, e)
	return nil
}

func (h *Handler) listRangeProducts(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	ctx := r.Context()
	rng, err := h.ranges.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get range")
	}
	products, err := h.products.AllProducts(ctx, rng)
	if err != nil {
		return errors.Wrap(err, "list range products")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("count")
	e.Int(len(products))
	e.FieldStart("products")
	e.ArrStart()
	for _, p := range products {
		encodeProduct(e, p)
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e)
	return nil
}

func (h *Handler) setRangeProduct(w http.ResponseWriter, r *http.Request) error {
	rangeID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	productID, err := pathID(r, "product_id")
	if err != nil {
		return err
	}
	var excluded bool
	if err := readBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "excluded" {
			return d.Skip()
		}
		v, err := d.Bool()
		if err != nil {
			return errors.Wrap(err, key)
		}
		excluded = v
		return nil
	}); err != nil {
		return err
	}

	ctx := r.Context()
	if _, err := h.ranges.Get(ctx, rangeID); err != nil {
		return errors.Wrap(err, "get range")
	}
	if err := h.ranges.SetProduct(ctx, rangeID, productID, excluded); err != nil {
		return errors.Wrap(err, "set range product")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
