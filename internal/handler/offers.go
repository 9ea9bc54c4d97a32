package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-offers/internal/domain/money"
	"github.com/xenking/oolio-offers/internal/domain/offer"
	"github.com/xenking/oolio-offers/internal/domain/productrange"
	"github.com/xenking/oolio-offers/internal/storage/postgres"
)

func decodeBenefit(d *jx.Decoder, b *offer.Benefit) error {
	return d.Obj(func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "type":
			var s string
			s, err = d.Str()
			b.Type = offer.BenefitType(s)
		case "value":
			b.Value, err = decodeDecimal(d)
		case "max_affected_items":
			var n *int
			if n, err = decodeOptInt(d); n != nil {
				b.MaxAffectedItems = *n
			}
		case "enterprise_customer":
			b.EnterpriseCustomer, err = decodeOptUUID(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
}

func (h *Handler) createOffer(w http.ResponseWriter, r *http.Request) error {
	var (
		o       offer.ConditionalOffer
		rangeID int64
	)
	err := readBody(w, r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "name":
			o.Name, err = d.Str()
		case "email_domains":
			o.EmailDomains, err = decodeOptStr(d)
		case "max_global_applications":
			o.MaxGlobalApplications, err = decodeOptInt(d)
		case "max_discount":
			o.MaxDiscount, err = decodeOptDecimal(d)
		case "benefit":
			err = decodeBenefit(d, &o.Benefit)
		case "condition":
			err = d.Obj(func(d *jx.Decoder, key string) (err error) {
				switch key {
				case "range_id":
					rangeID, err = d.Int64()
				case "value":
					o.Condition.Value, err = d.Int()
				default:
					return d.Skip()
				}
				return err
			})
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if o.Name == "" {
		return badRequest(errors.New("name is required"))
	}

	ctx := r.Context()
	rng, err := h.ranges.Get(ctx, rangeID)
	switch {
	case errors.Is(err, postgres.ErrNotFound):
		return unprocessable(errors.Errorf("condition range %d does not exist", rangeID))
	case err != nil:
		return errors.Wrap(err, "get condition range")
	}
	o.Condition.Range = rng

	if err := h.offers.Create(ctx, &o); err != nil {
		return errors.Wrap(err, "create offer")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeOffer(e, &o)
	writeJSON(w, http.StatusCreated, e)
	return nil
}

func encodeOffer(e *jx.Encoder, o *offer.ConditionalOffer) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(o.ID)
	e.FieldStart("name")
	e.Str(o.Name)
	e.FieldStart("email_domains")
	encodeOptStr(e, o.EmailDomains)
	e.FieldStart("max_global_applications")
	encodeOptInt(e, o.MaxGlobalApplications)
	e.FieldStart("num_applications")
	e.Int(o.NumApplications)
	e.FieldStart("max_discount")
	encodeOptDecimal(e, o.MaxDiscount)
	e.FieldStart("total_discount")
	e.Str(o.TotalDiscount.String())
	e.FieldStart("available")
	e.Bool(o.Available())

	b := o.Benefit
	e.FieldStart("benefit")
	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(b.Type))
	e.FieldStart("value")
	e.Str(b.Value.String())
	e.FieldStart("max_affected_items")
	e.Int(b.MaxAffectedItems)
	e.FieldStart("enterprise_customer")
	encodeOptUUID(e, b.EnterpriseCustomer)
	e.ObjEnd()

	e.FieldStart("condition")
	e.ObjStart()
	e.FieldStart("range_id")
	if o.Condition.Range != nil {
		e.Int64(o.Condition.Range.ID)
	} else {
		e.Null()
	}
	e.FieldStart("value")
	e.Int(o.Condition.Value)
	e.ObjEnd()
	e.ObjEnd()
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	o, err := h.offers.Get(r.Context(), id)
	if err != nil {
		return errors.Wrap(err, "get offer")
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeOffer(e, o)
	writeJSON(w, http.StatusOK, e)
	return nil
}

func (h *Handler) recordApplication(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	discount := decimal.Zero
	err = readOptionalBody(w, r, func(d *jx.Decoder, key string) (err error) {
		if key != "discount" {
			return d.Skip()
		}
		if discount, err = decodeDecimal(d); err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if discount.IsNegative() {
		return badRequest(errors.New("discount may not be negative"))
	}
	if err := h.offers.RecordApplication(r.Context(), id, discount); err != nil {
		return errors.Wrap(err, "record application")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type evaluateRequest struct {
	Site   productrange.Site
	Basket offer.Basket
}

func decodeLine(d *jx.Decoder) (*offer.Line, error) {
	var (
		p     productrange.Product
		price decimal.Decimal
		qty   int
	)
	err := d.Obj(func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "product_id":
			p.ID, err = d.Int64()
		case "course_id":
			p.CourseID, err = d.Str()
		case "certificate_type":
			p.CertificateType, err = d.Str()
		case "price":
			price, err = decodeDecimal(d)
		case "quantity":
			qty, err = d.Int()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if price.IsNegative() {
		return nil, errors.Errorf("product %d: negative price", p.ID)
	}
	if qty < 0 {
		return nil, errors.Errorf("product %d: negative quantity", p.ID)
	}
	return offer.NewLine(p, price, qty), nil
}

func (h *Handler) decodeEvaluateRequest(w http.ResponseWriter, r *http.Request) (*evaluateRequest, error) {
	req := &evaluateRequest{Site: h.site}
	b := &req.Basket
	err := readBody(w, r, func(d *jx.Decoder, key string) (err error) {
		switch key {
		case "site":
			err = d.Obj(func(d *jx.Decoder, key string) (err error) {
				switch key {
				case "domain":
					req.Site.Domain, err = d.Str()
				case "partner_code":
					req.Site.PartnerCode, err = d.Str()
				default:
					return d.Skip()
				}
				return err
			})
		case "owner":
			err = d.Obj(func(d *jx.Decoder, key string) (err error) {
				switch key {
				case "username":
					b.Owner.Username, err = d.Str()
				case "email":
					b.Owner.Email, err = d.Str()
				default:
					return d.Skip()
				}
				return err
			})
		case "currency":
			b.Currency, err = d.Str()
		case "lines":
			err = d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				if err != nil {
					return err
				}
				b.Lines = append(b.Lines, l)
				return nil
			})
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := money.NewRounder(b.Currency, money.RoundHalfEven); err != nil {
		return nil, badRequest(err)
	}
	return req, nil
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	req, err := h.decodeEvaluateRequest(w, r)
	if err != nil {
		return err
	}

	ctx := r.Context()
	o, err := h.offers.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "get offer")
	}

	alloc, err := h.evaluator.Evaluate(ctx, req.Site, o, &req.Basket)
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	switch {
	case errors.Is(err, offer.ErrNotApplicable):
		e.ObjStart()
		e.FieldStart("applicable")
		e.Bool(false)
		e.ObjEnd()
		writeJSON(w, http.StatusOK, e)
		return nil
	case err != nil:
		return errors.Wrapf(err, "evaluate offer %d", id)
	}

	e.ObjStart()
	e.FieldStart("applicable")
	e.Bool(true)
	e.FieldStart("total_discount")
	e.Str(alloc.TotalDiscount.String())
	e.FieldStart("lines")
	e.ArrStart()
	for _, al := range alloc.AffectedLines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Int64(al.Line.Product.ID)
		e.FieldStart("quantity")
		e.Int(al.Quantity)
		e.FieldStart("discount")
		e.Str(al.Discount.String())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e)
	return nil
}
