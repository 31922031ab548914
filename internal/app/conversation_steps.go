package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/store"
)

var (
	namePattern         = regexp.MustCompile(`^\p{L}[\p{L}'\-]*(\s+\p{L}[\p{L}'\-]*)+$`)
	idNumberPattern     = regexp.MustCompile(`^[A-Za-z0-9-]{5,20}$`)
	registrationPattern = regexp.MustCompile(`^[A-Z0-9 ]{4,12}$`)
	spaces              = regexp.MustCompile(`\s+`)

	// eastAfrica is used for dates shown to riders and typed by them.
	eastAfrica = time.FixedZone("EAT", 3*60*60)
)

const maxReferenceAttempts = 3

func invalid(field, reason string) error {
	return &domain.ValidationError{Field: field, Reason: reason}
}

func collapse(s string) string {
	return spaces.ReplaceAllString(strings.TrimSpace(s), " ")
}

func firstName(full string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(full), " ")
	return name
}

func lengthBetween(s string, min, max int) bool {
	n := utf8.RuneCountInString(s)
	return n >= min && n <= max
}

func (s *ConversationService) stepNew(ctx context.Context, t *turn) (outcome, error) {
	return outcome{
		next:  domain.StateAskingName,
		reply: reply{body: text(t.user.Language, msgWelcome)},
		event: "conversation started",
	}, nil
}

func (s *ConversationService) stepName(ctx context.Context, t *turn) (outcome, error) {
	name := collapse(t.text)
	if !lengthBetween(name, 2, 80) || !namePattern.MatchString(name) {
		return outcome{}, invalid("full_name", "expected at least two alphabetic words")
	}
	return outcome{
		next:   domain.StateAskingID,
		update: store.UpdateUserParams{FullName: &name},
		reply:  reply{body: text(t.user.Language, msgAskID, firstName(name))},
		event:  "name captured",
	}, nil
}

func (s *ConversationService) stepIDNumber(ctx context.Context, t *turn) (outcome, error) {
	id := strings.ToUpper(strings.ReplaceAll(t.text, " ", ""))
	if !idNumberPattern.MatchString(id) {
		return outcome{}, invalid("id_number", "expected 5-20 letters, digits or dashes")
	}
	return outcome{
		next:   domain.StateAskingIDPhoto,
		update: store.UpdateUserParams{IDNumber: &id},
		reply:  reply{body: text(t.user.Language, msgAskIDPhoto)},
		event:  "id number captured",
	}, nil
}

func (s *ConversationService) stepIDPhoto(ctx context.Context, t *turn) (outcome, error) {
	att, ok := firstDocument(t.msg.Attachments)
	if !ok {
		return outcome{}, invalid("id_photo", "attachment is not an image")
	}
	ref := s.archiver.Archive(ctx, t.user.Phone, documentKYC, att)
	pending := domain.KYCPending
	return outcome{
		next:   domain.StateWaitingForApproval,
		update: store.UpdateUserParams{IDPhotoRef: &ref, KYCStatus: &pending},
		reply:  reply{body: text(t.user.Language, msgKYCWaiting)},
		event:  "kyc submitted for review",
		meta:   map[string]any{"id_photo_ref": ref},
	}, nil
}

func (s *ConversationService) stepIDPhotoText(ctx context.Context, t *turn) (outcome, error) {
	return outcome{}, invalid("id_photo", "text received instead of a photo")
}

func firstDocument(atts []domain.Attachment) (domain.Attachment, bool) {
	for _, a := range atts {
		if a.Kind == domain.AttachmentImage || a.Kind == domain.AttachmentDocument {
			return a, true
		}
	}
	return domain.Attachment{}, false
}

// stepWaiting re-reads the KYC status on every message. Pending users get the identical
// waiting reply and stay put.
func (s *ConversationService) stepWaiting(ctx context.Context, t *turn) (outcome, error) {
	lang := t.user.Language
	switch t.user.KYCStatus {
	case domain.KYCVerified:
		return outcome{
			next:   domain.StateAskingVehicleMake,
			update: store.UpdateUserParams{Vehicle: &domain.VehicleDraft{}},
			reply:  reply{body: text(lang, msgKYCApproved)},
			event:  "kyc verified, vehicle details requested",
		}, nil
	case domain.KYCRejected:
		reason := "no reason given"
		if t.user.KYCRejectionReason != nil && strings.TrimSpace(*t.user.KYCRejectionReason) != "" {
			reason = *t.user.KYCRejectionReason
		}
		none := domain.KYCNone
		return outcome{
			next:   domain.StateAskingName,
			update: store.UpdateUserParams{KYCStatus: &none},
			reply:  reply{body: text(lang, msgKYCRejected, reason)},
			event:  "kyc rejected, restarting registration",
			meta:   map[string]any{"reason": reason},
		}, nil
	default:
		return outcome{
			reply: reply{body: text(lang, msgKYCWaiting)},
			event: "awaiting kyc review",
		}, nil
	}
}

func (s *ConversationService) stepMake(ctx context.Context, t *turn) (outcome, error) {
	vehicleMake := collapse(t.text)
	if !lengthBetween(vehicleMake, 2, 40) {
		return outcome{}, invalid("make", "expected 2-40 characters")
	}
	vehicle := t.user.Vehicle
	vehicle.Make = vehicleMake
	return outcome{
		next:   domain.StateAskingVehicleModel,
		update: store.UpdateUserParams{Vehicle: &vehicle},
		reply:  reply{body: text(t.user.Language, msgAskModel)},
		event:  "vehicle make captured",
	}, nil
}

func (s *ConversationService) stepModel(ctx context.Context, t *turn) (outcome, error) {
	model := collapse(t.text)
	if !lengthBetween(model, 2, 40) {
		return outcome{}, invalid("model", "expected 2-40 characters")
	}
	vehicle := t.user.Vehicle
	vehicle.Model = model
	return outcome{
		next:   domain.StateAskingVehicleYear,
		update: store.UpdateUserParams{Vehicle: &vehicle},
		reply:  reply{body: text(t.user.Language, msgAskYear)},
		event:  "vehicle model captured",
	}, nil
}

func (s *ConversationService) stepYear(ctx context.Context, t *turn) (outcome, error) {
	year, err := strconv.Atoi(t.text)
	if err != nil {
		return outcome{}, invalid("year", "not a number")
	}
	if year < 1980 || year > t.now.Year()+1 {
		return outcome{}, invalid("year", fmt.Sprintf("%d out of range", year))
	}
	vehicle := t.user.Vehicle
	vehicle.Year = year
	return outcome{
		next:   domain.StateAskingRegistration,
		update: store.UpdateUserParams{Vehicle: &vehicle},
		reply:  reply{body: text(t.user.Language, msgAskRegistration)},
		event:  "vehicle year captured",
	}, nil
}

func (s *ConversationService) stepRegistration(ctx context.Context, t *turn) (outcome, error) {
	reg := strings.ToUpper(collapse(t.text))
	if !registrationPattern.MatchString(reg) {
		return outcome{}, invalid("registration", "expected 4-12 letters, digits or spaces")
	}
	vehicle := t.user.Vehicle
	vehicle.Registration = reg
	return outcome{
		next:   domain.StateAskingVehicleValue,
		update: store.UpdateUserParams{Vehicle: &vehicle, RegistrationNumber: &reg},
		reply:  reply{body: text(t.user.Language, msgAskValue)},
		event:  "registration captured",
	}, nil
}

// parseAmount reads "50,000", "KES 50000" or "50000.50" as whole currency units.
func parseAmount(raw string) (decimal.Decimal, bool) {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	cleaned = strings.TrimPrefix(cleaned, "KES")
	cleaned = strings.TrimPrefix(cleaned, "KSH")
	cleaned = strings.NewReplacer(",", "", " ", "", "/=", "").Replace(cleaned)
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

func (s *ConversationService) stepValue(ctx context.Context, t *turn) (outcome, error) {
	value, ok := parseAmount(t.text)
	if !ok {
		return outcome{}, invalid("value", "not a number")
	}
	if value.LessThan(decimal.NewFromInt(minVehicleValue)) || value.GreaterThan(decimal.NewFromInt(maxVehicleValue)) {
		return outcome{}, invalid("value", "out of range")
	}
	vehicle := t.user.Vehicle
	vehicle.ValueMinor = value.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	lang := t.user.Language
	return outcome{
		next:   domain.StateAskingCoverageType,
		update: store.UpdateUserParams{Vehicle: &vehicle},
		reply:  reply{body: text(lang, msgAskCoverage), buttons: buttons(lang, "1", "2")},
		event:  "vehicle value captured",
	}, nil
}

func (s *ConversationService) stepCoverage(ctx context.Context, t *turn) (outcome, error) {
	input := t.text
	if t.class == inputAction {
		input = t.command
	}
	coverage, ok := ParseCoverage(input)
	if !ok {
		return outcome{}, invalid("coverage", "unknown coverage")
	}

	quote, err := s.quotes.Quote(t.user.Phone, t.user.Vehicle, coverage)
	if err != nil {
		return outcome{}, err
	}
	if err := s.repo.CreateQuote(ctx, quote); err != nil {
		return outcome{}, fmt.Errorf("create quote: %w", err)
	}

	return outcome{
		next:   domain.StateQuotePresented,
		update: store.UpdateUserParams{PendingQuoteID: &quote.ID},
		reply:  s.quoteReply(t.user.Language, quote),
		event:  "quote presented",
		meta: map[string]any{
			"quote_id":      quote.ID.String(),
			"coverage":      string(coverage),
			"premium_minor": quote.PremiumMinor,
			"expires_at":    quote.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

func (s *ConversationService) quoteReply(lang domain.Language, q *domain.Quote) reply {
	product := s.quotes.Rates()[q.Coverage]
	name := product.Name
	if name == "" {
		name = string(q.Coverage)
	}
	vehicle := strings.TrimSpace(q.Vehicle.Make + " " + q.Vehicle.Model)
	if q.Vehicle.Registration != "" {
		vehicle += " (" + q.Vehicle.Registration + ")"
	}
	body := text(lang, msgQuote,
		name,
		vehicle,
		FormatMoney(q.PremiumMinor, q.Currency),
		q.DurationDays,
		q.ExpiresAt.In(eastAfrica).Format("15:04, 02 Jan"),
	)
	return reply{body: body, buttons: buttons(lang, "ACCEPT", "DECLINE")}
}

func (s *ConversationService) stepQuote(ctx context.Context, t *turn) (outcome, error) {
	switch t.command {
	case "ACCEPT", "YES", "NDIO":
		return s.acceptQuote(ctx, t)
	case "DECLINE", "NO", "HAPANA":
		if t.user.PendingQuoteID != nil {
			if err := s.repo.DiscardQuote(ctx, *t.user.PendingQuoteID); err != nil {
				return outcome{}, fmt.Errorf("discard quote: %w", err)
			}
		}
		lang := t.user.Language
		return outcome{
			next:   domain.StateAskingCoverageType,
			update: store.UpdateUserParams{ClearPendingQuote: true},
			reply:  reply{body: text(lang, msgQuoteDeclined), buttons: buttons(lang, "1", "2")},
			event:  "quote declined",
		}, nil
	}
	return outcome{}, invalid("quote_action", "expected ACCEPT or DECLINE")
}

// requote sends the user back to coverage selection with key as the explanation.
func requote(lang domain.Language, key msgKey, event string, meta map[string]any) outcome {
	return outcome{
		next:   domain.StateAskingCoverageType,
		update: store.UpdateUserParams{ClearPendingQuote: true},
		reply:  reply{body: text(lang, key), buttons: buttons(lang, "1", "2")},
		event:  event,
		level:  domain.LevelWarn,
		meta:   meta,
	}
}

// acceptQuote converts the pending quote into a draft policy and requests payment. An
// expired quote is rejected with an ExpiredError and the user must requote.
func (s *ConversationService) acceptQuote(ctx context.Context, t *turn) (outcome, error) {
	lang := t.user.Language
	if t.user.PendingQuoteID == nil {
		return requote(lang, msgNotFound, "no pending quote", nil), nil
	}
	quoteID := *t.user.PendingQuoteID

	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		if errors.Is(err, store.ErrQuoteNotFound) {
			return requote(lang, msgNotFound, "pending quote missing", map[string]any{"quote_id": quoteID.String()}), nil
		}
		return outcome{}, fmt.Errorf("load quote: %w", err)
	}

	if err := s.quotes.Revalidate(quote, t.now); err != nil {
		var expired *domain.ExpiredError
		switch {
		case errors.As(err, &expired):
			if discardErr := s.repo.DiscardQuote(ctx, quote.ID); discardErr != nil {
				s.logger.Warn("failed to discard expired quote", logger.Phone(t.user.Phone), zap.Error(discardErr))
			}
			return requote(lang, msgQuoteExpired, "quote expired", map[string]any{
				"quote_id": quote.ID.String(),
				"error":    expired.Error(),
			}), nil
		case domain.IsNotFound(err):
			return requote(lang, msgNotFound, "quote no longer open", map[string]any{"quote_id": quote.ID.String()}), nil
		default:
			return outcome{}, err
		}
	}

	if err := s.ensureWallet(ctx, t.user); err != nil {
		return outcome{}, fmt.Errorf("assign wallet: %w", err)
	}

	consumed, err := s.repo.MarkQuoteConsumed(ctx, quote.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("consume quote: %w", err)
	}
	if !consumed {
		return requote(lang, msgNotFound, "quote already consumed", map[string]any{"quote_id": quote.ID.String()}), nil
	}

	policy, err := s.createPolicy(ctx, quote, t.now)
	if err != nil {
		return outcome{}, err
	}

	// The rider moves to AWAITING_PAYMENT before the push goes out, so a payment prompt on
	// their phone always has a pending policy behind it.
	awaiting := domain.StateAwaitingPayment
	update := store.UpdateUserParams{State: &awaiting, PendingPolicyID: &policy.ID, ClearPendingQuote: true}
	if err := s.repo.UpdateUser(ctx, t.user.Phone, update); err != nil {
		return outcome{}, fmt.Errorf("reserve policy %s: %w", policy.PolicyNumber, err)
	}

	meta := map[string]any{
		"policy_number": policy.PolicyNumber,
		"premium_minor": policy.PremiumMinor,
		"quote_id":      quote.ID.String(),
	}
	token, err := s.requestPayment(ctx, t.user.Phone, policy)
	out, err := s.paymentRequestOutcome(lang, policy, token, err, meta, "policy reserved, payment requested", "policy reserved, payment request failed")
	if err != nil {
		return outcome{}, err
	}
	out.next = domain.StateAwaitingPayment
	out.persisted = true
	return out, nil
}

// paymentRequestOutcome turns the result of requestPayment into the reply and activity entry.
func (s *ConversationService) paymentRequestOutcome(lang domain.Language, policy *domain.Policy, token string, err error, meta map[string]any, requested, failed string) (outcome, error) {
	requestedReply := reply{body: text(lang, msgPaymentRequested, policy.PolicyNumber, FormatMoney(policy.PremiumMinor, policy.Currency))}
	switch {
	case err == nil:
		meta["correlation_token"] = token
		return outcome{reply: requestedReply, event: requested, meta: meta}, nil
	case errors.Is(err, errCorrelationNotStored):
		// The prompt is already on the rider's phone. Keep the token in the log so the
		// callback can be matched by hand.
		s.logger.Error("payment requested but correlation token not stored",
			logger.PolicyNumber(policy.PolicyNumber), logger.CorrelationToken(token), zap.Error(err))
		meta["correlation_token"] = token
		meta["error"] = err.Error()
		return outcome{
			reply:    requestedReply,
			event:    requested + "; correlation token not stored, reconcile manually",
			category: domain.CategoryPayment,
			level:    domain.LevelError,
			meta:     meta,
		}, nil
	}
	var gw *domain.GatewayError
	if !errors.As(err, &gw) {
		return outcome{}, err
	}
	meta["error"] = err.Error()
	return outcome{
		reply: reply{body: text(lang, msgPaymentPushFailed), buttons: buttons(lang, "PAY")},
		event: failed,
		level: domain.LevelWarn,
		meta:  meta,
	}, nil
}

func (s *ConversationService) ensureWallet(ctx context.Context, user *domain.User) error {
	if user.HasWallet() {
		return nil
	}
	if s.wallets == nil {
		return errors.New("wallet issuer not configured")
	}
	w, err := s.wallets.New()
	if err != nil {
		return err
	}
	assigned, err := s.repo.SetUserWallet(ctx, user.Phone, w.Address, w.SealedKey)
	if err != nil {
		return err
	}
	if assigned {
		user.WalletAddress = w.Address
		return nil
	}
	current, err := s.repo.FindUserByPhone(ctx, user.Phone)
	if err != nil {
		return err
	}
	user.WalletAddress = current.WalletAddress
	return nil
}

func (s *ConversationService) createPolicy(ctx context.Context, quote *domain.Quote, now time.Time) (*domain.Policy, error) {
	quoteID := quote.ID
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		policy := &domain.Policy{
			ID:            newID(),
			PolicyNumber:  newPolicyNumber(now),
			UserPhone:     quote.UserPhone,
			ProductCode:   quote.ProductCode,
			QuoteID:       &quoteID,
			Coverage:      quote.Coverage,
			VehicleRef:    quote.Vehicle.Ref(),
			PremiumMinor:  quote.PremiumMinor,
			Currency:      quote.Currency,
			DurationDays:  quote.DurationDays,
			PaymentStatus: domain.PaymentPending,
			PolicyStatus:  domain.PolicyDraft,
		}
		err := s.repo.CreatePolicy(ctx, policy)
		if err == nil {
			return policy, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("create policy: %w", err)
		}
	}
	return nil, errors.New("create policy: could not allocate a unique policy number")
}

// errCorrelationNotStored means the gateway accepted the push but its token was not saved.
var errCorrelationNotStored = errors.New("correlation token not stored")

// requestPayment starts an STK push for the policy and stores the correlation token. When
// the push succeeds but the token cannot be saved, the token is returned together with an
// error wrapping errCorrelationNotStored.
func (s *ConversationService) requestPayment(ctx context.Context, phone string, policy *domain.Policy) (string, error) {
	if s.payments == nil {
		return "", &domain.GatewayError{Gateway: "mpesa", Op: "stk_push", Err: errors.New("payment gateway not configured")}
	}
	token, err := s.payments.InitiateSTKPush(ctx, phone, policy.PremiumMinor, policy.PolicyNumber, "Hima "+string(policy.Coverage))
	if err != nil {
		return "", &domain.GatewayError{Gateway: "mpesa", Op: "stk_push", Err: err}
	}
	if err := s.repo.SetPolicyCorrelationToken(ctx, policy.ID, token); err != nil {
		return token, fmt.Errorf("%w: %w", errCorrelationNotStored, err)
	}
	return token, nil
}

func (s *ConversationService) pendingPolicy(ctx context.Context, user *domain.User) (*domain.Policy, error) {
	var (
		policy *domain.Policy
		err    error
	)
	if user.PendingPolicyID != nil {
		policy, err = s.repo.FindPolicyByID(ctx, *user.PendingPolicyID)
	} else {
		policy, err = s.repo.FindLatestPolicyByUser(ctx, user.Phone)
	}
	if errors.Is(err, store.ErrPolicyNotFound) {
		return nil, nil
	}
	return policy, err
}

func (s *ConversationService) stepAwaitingPayment(ctx context.Context, t *turn) (outcome, error) {
	lang := t.user.Language
	policy, err := s.pendingPolicy(ctx, t.user)
	if err != nil {
		return outcome{}, fmt.Errorf("load pending policy: %w", err)
	}
	if policy == nil {
		return requote(lang, msgNotFound, "no pending policy", nil), nil
	}
	meta := map[string]any{"policy_number": policy.PolicyNumber}

	switch {
	case policy.PolicyStatus == domain.PolicyActive:
		return outcome{
			next:   domain.StateActive,
			update: store.UpdateUserParams{ClearPendingPolicy: true},
			reply:  reply{body: text(lang, msgMenu), buttons: buttons(lang, "CLAIM", "POLICY", "BUY")},
			event:  "policy already active",
			meta:   meta,
		}, nil
	case policy.PaymentStatus == domain.PaymentCompleted:
		return outcome{
			reply: reply{body: text(lang, msgActivationDelayed, policy.PolicyNumber)},
			event: "payment received, activation pending",
			meta:  meta,
		}, nil
	case t.command == "PAY" && (policy.CorrelationToken == nil || policy.PaymentStatus == domain.PaymentFailed):
		token, err := s.requestPayment(ctx, t.user.Phone, policy)
		return s.paymentRequestOutcome(lang, policy, token, err, meta, "payment requested again", "payment request retry failed")
	default:
		return outcome{
			reply: reply{body: text(lang, msgPaymentPending, policy.PolicyNumber), buttons: buttons(lang, "PAY")},
			event: "awaiting payment",
			meta:  meta,
		}, nil
	}
}

func (s *ConversationService) activePolicy(ctx context.Context, phone string) (*domain.Policy, error) {
	policy, err := s.repo.FindActivePolicyByUser(ctx, phone)
	if errors.Is(err, store.ErrPolicyNotFound) {
		return nil, nil
	}
	return policy, err
}

func (s *ConversationService) stepActive(ctx context.Context, t *turn) (outcome, error) {
	lang := t.user.Language
	switch t.command {
	case "CLAIM", "DAI":
		policy, err := s.activePolicy(ctx, t.user.Phone)
		if err != nil {
			return outcome{}, fmt.Errorf("load active policy: %w", err)
		}
		if policy == nil {
			return outcome{
				reply: reply{body: text(lang, msgNoActivePolicy), buttons: buttons(lang, "BUY")},
				event: "claim refused, no active policy",
			}, nil
		}
		return outcome{
			next:   domain.StateClaimAskingDate,
			update: store.UpdateUserParams{ClaimDraft: &domain.ClaimDraft{}},
			reply:  reply{body: text(lang, msgClaimAskDate)},
			event:  "claim started",
			meta:   map[string]any{"policy_number": policy.PolicyNumber},
		}, nil
	case "POLICY", "SERA":
		policy, err := s.activePolicy(ctx, t.user.Phone)
		if err == nil && policy == nil {
			policy, err = s.pendingPolicy(ctx, t.user)
		}
		if err != nil {
			return outcome{}, fmt.Errorf("load policy: %w", err)
		}
		if policy == nil {
			return outcome{
				reply: reply{body: text(lang, msgNoPolicy), buttons: buttons(lang, "BUY")},
				event: "policy summary requested, none found",
			}, nil
		}
		validUntil := "-"
		if policy.CoverageEnd != nil {
			validUntil = policy.CoverageEnd.In(eastAfrica).Format("02 Jan 2006")
		}
		return outcome{
			reply: reply{body: text(lang, msgPolicySummary,
				policy.PolicyNumber, string(policy.Coverage), policy.VehicleRef, string(policy.PolicyStatus), validUntil)},
			event: "policy summary sent",
			meta:  map[string]any{"policy_number": policy.PolicyNumber},
		}, nil
	case "BUY", "NUNUA":
		return outcome{
			next:   domain.StateAskingVehicleMake,
			update: store.UpdateUserParams{Vehicle: &domain.VehicleDraft{}},
			reply:  reply{body: text(lang, msgAskMake)},
			event:  "additional policy purchase started",
		}, nil
	}
	return outcome{
		reply: reply{body: text(lang, msgMenu), buttons: buttons(lang, "CLAIM", "POLICY", "BUY")},
		event: "menu sent",
	}, nil
}

func cancelClaim(lang domain.Language) outcome {
	return outcome{
		next:   domain.StateActive,
		update: store.UpdateUserParams{ClaimDraft: &domain.ClaimDraft{}},
		reply:  reply{body: text(lang, msgClaimCancelled)},
		event:  "claim cancelled",
	}
}

func noActivePolicy(lang domain.Language) outcome {
	return outcome{
		next:   domain.StateActive,
		update: store.UpdateUserParams{ClaimDraft: &domain.ClaimDraft{}},
		reply:  reply{body: text(lang, msgNoActivePolicy), buttons: buttons(lang, "BUY")},
		event:  "claim abandoned, no active policy",
		level:  domain.LevelWarn,
	}
}

func (s *ConversationService) stepClaimDate(ctx context.Context, t *turn) (outcome, error) {
	lang := t.user.Language
	if t.command == "CANCEL" {
		return cancelClaim(lang), nil
	}

	today := t.now.In(eastAfrica)
	var incident time.Time
	switch t.command {
	case "TODAY", "LEO":
		incident = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, eastAfrica)
	default:
		parsed, err := time.ParseInLocation("2006-01-02", t.text, eastAfrica)
		if err != nil {
			return outcome{}, invalid("incident_date", "expected YYYY-MM-DD")
		}
		incident = parsed
	}
	if incident.After(today) {
		return outcome{}, invalid("incident_date", "date is in the future")
	}

	policy, err := s.activePolicy(ctx, t.user.Phone)
	if err != nil {
		return outcome{}, fmt.Errorf("load active policy: %w", err)
	}
	if policy == nil {
		return noActivePolicy(lang), nil
	}
	if policy.CoverageStart != nil {
		start := policy.CoverageStart.In(eastAfrica)
		startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, eastAfrica)
		if incident.Before(startDay) {
			return outcome{}, invalid("incident_date", "date is before cover started")
		}
	}

	draft := t.user.ClaimDraft
	draft.IncidentDate = incident
	return outcome{
		next:   domain.StateClaimAskingPlace,
		update: store.UpdateUserParams{ClaimDraft: &draft},
		reply:  reply{body: text(lang, msgClaimAskLocation)},
		event:  "incident date captured",
	}, nil
}

func (s *ConversationService) stepClaimLocation(ctx context.Context, t *turn) (outcome, error) {
	lang := t.user.Language
	if t.command == "CANCEL" {
		return cancelClaim(lang), nil
	}
	location := collapse(t.text)
	if !lengthBetween(location, 3, 120) {
		return outcome{}, invalid("location", "expected 3-120 characters")
	}
	draft := t.user.ClaimDraft
	draft.Location = location
	return outcome{
		next:   domain.StateClaimAskingDetails,
		update: store.UpdateUserParams{ClaimDraft: &draft},
		reply:  reply{body: text(lang, msgClaimAskDetails)},
		event:  "incident location captured",
	}, nil
}

func (s *ConversationService) stepClaimDescription(ctx context.Context, t *turn) (outcome, error) {
	lang := t.user.Language
	if t.command == "CANCEL" {
		return cancelClaim(lang), nil
	}
	description := strings.TrimSpace(t.text)
	if !lengthBetween(description, 10, 1000) {
		return outcome{}, invalid("description", "expected 10-1000 characters")
	}
	draft := t.user.ClaimDraft
	draft.Description = description
	return outcome{
		next:   domain.StateClaimAskingProof,
		update: store.UpdateUserParams{ClaimDraft: &draft},
		reply:  reply{body: text(lang, msgClaimAskEvidence), buttons: buttons(lang, "DONE", "SKIP")},
		event:  "incident description captured",
	}, nil
}

func (s *ConversationService) stepClaimEvidence(ctx context.Context, t *turn) (outcome, error) {
	draft := t.user.ClaimDraft
	draft.Evidence = append([]string(nil), t.user.ClaimDraft.Evidence...)
	added := 0
	for _, att := range t.msg.Attachments {
		if att.Kind != domain.AttachmentImage && att.Kind != domain.AttachmentDocument {
			continue
		}
		draft.Evidence = append(draft.Evidence, s.archiver.Archive(ctx, t.user.Phone, documentClaim, att))
		added++
	}
	if added == 0 {
		return outcome{}, invalid("evidence", "attachment is not an image or document")
	}
	lang := t.user.Language
	return outcome{
		update: store.UpdateUserParams{ClaimDraft: &draft},
		reply:  reply{body: text(lang, msgEvidenceReceived, len(draft.Evidence)), buttons: buttons(lang, "DONE", "SKIP")},
		event:  "claim evidence received",
		meta:   map[string]any{"evidence_count": len(draft.Evidence)},
	}, nil
}

func (s *ConversationService) stepClaimEvidenceCommand(ctx context.Context, t *turn) (outcome, error) {
	switch t.command {
	case "DONE", "SKIP":
		return s.submitClaim(ctx, t, t.command == "SKIP")
	case "CANCEL":
		return cancelClaim(t.user.Language), nil
	}
	return outcome{}, invalid("evidence", "expected a photo, DONE or SKIP")
}

func (s *ConversationService) submitClaim(ctx context.Context, t *turn, withoutEvidence bool) (outcome, error) {
	lang := t.user.Language
	policy, err := s.activePolicy(ctx, t.user.Phone)
	if err != nil {
		return outcome{}, fmt.Errorf("load active policy: %w", err)
	}
	if policy == nil {
		return noActivePolicy(lang), nil
	}

	draft := t.user.ClaimDraft
	evidence := append([]string(nil), draft.Evidence...)
	if withoutEvidence {
		evidence = nil
	}

	var claim *domain.Claim
	for attempt := 0; attempt < maxReferenceAttempts && claim == nil; attempt++ {
		candidate := &domain.Claim{
			ID:           newID(),
			ClaimNumber:  newClaimNumber(t.now),
			UserPhone:    t.user.Phone,
			PolicyID:     policy.ID,
			IncidentDate: draft.IncidentDate,
			Location:     draft.Location,
			Description:  draft.Description,
			Evidence:     evidence,
			Status:       domain.ClaimSubmitted,
		}
		err := s.repo.CreateClaim(ctx, candidate)
		switch {
		case err == nil:
			claim = candidate
		case errors.Is(err, store.ErrDuplicateKey):
		default:
			return outcome{}, fmt.Errorf("create claim: %w", err)
		}
	}
	if claim == nil {
		return outcome{}, errors.New("create claim: could not allocate a unique claim number")
	}

	return outcome{
		next:   domain.StateActive,
		update: store.UpdateUserParams{ClaimDraft: &domain.ClaimDraft{}},
		reply:  reply{body: text(lang, msgClaimSubmitted, claim.ClaimNumber)},
		event:  "claim submitted",
		meta: map[string]any{
			"claim_number":   claim.ClaimNumber,
			"policy_number":  policy.PolicyNumber,
			"evidence_count": len(evidence),
		},
	}, nil
}
