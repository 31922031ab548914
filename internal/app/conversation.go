/**
 * @description
 * The conversation state machine. Every inbound chat message is evaluated against the
 * user's persisted state through an explicit transition table keyed by
 * (state, input class). Each processed message yields exactly one outbound reply and
 * exactly one activity log entry.
 *
 * @dependencies
 * - store.Repository for users, quotes, policies and claims.
 * - Locker to serialize messages of the same user.
 * - ChatSender, PaymentGateway, WalletIssuer and DocumentArchiver for side effects.
 *
 * @notes
 * - Validation failures keep the user in place and answer with a corrective prompt.
 * - A step may only move the user along an edge declared in conversationEdges.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/logger"
	"github.com/hima/hima-service/internal/metrics"
	"github.com/hima/hima-service/internal/store"
	"github.com/hima/hima-service/pkg/whatsapp"
)

type inputClass string

const (
	inputText     inputClass = "text"
	inputMedia    inputClass = "media"
	inputAction   inputClass = "action"
	inputLanguage inputClass = "language"
)

// turn is one inbound message evaluated against a loaded user.
type turn struct {
	user    *domain.User
	msg     domain.InboundChatMessage
	class   inputClass
	text    string
	command string
	now     time.Time
}

type reply struct {
	body    string
	buttons []whatsapp.Button
}

// outcome is the result of a step: the next state, the fields to persist, the reply and
// the activity entry describing the transition.
type outcome struct {
	next     domain.ConversationState
	update   store.UpdateUserParams
	reply    reply
	event    string
	category domain.ActivityCategory
	level    domain.ActivityLevel
	meta     map[string]any

	// persisted marks a step that already wrote update and next itself.
	persisted bool
}

type step func(s *ConversationService, ctx context.Context, t *turn) (outcome, error)

var conversationSteps = map[domain.ConversationState]map[inputClass]step{
	domain.StateNew: {
		inputText:   (*ConversationService).stepNew,
		inputMedia:  (*ConversationService).stepNew,
		inputAction: (*ConversationService).stepNew,
	},
	domain.StateAskingName:    {inputText: (*ConversationService).stepName},
	domain.StateAskingID:      {inputText: (*ConversationService).stepIDNumber},
	domain.StateAskingIDPhoto: {inputMedia: (*ConversationService).stepIDPhoto, inputText: (*ConversationService).stepIDPhotoText},
	domain.StateWaitingForApproval: {
		inputText:   (*ConversationService).stepWaiting,
		inputMedia:  (*ConversationService).stepWaiting,
		inputAction: (*ConversationService).stepWaiting,
	},
	domain.StateAskingVehicleMake:  {inputText: (*ConversationService).stepMake},
	domain.StateAskingVehicleModel: {inputText: (*ConversationService).stepModel},
	domain.StateAskingVehicleYear:  {inputText: (*ConversationService).stepYear},
	domain.StateAskingRegistration: {inputText: (*ConversationService).stepRegistration},
	domain.StateAskingVehicleValue: {inputText: (*ConversationService).stepValue},
	domain.StateAskingCoverageType: {inputText: (*ConversationService).stepCoverage, inputAction: (*ConversationService).stepCoverage},
	domain.StateQuotePresented:     {inputText: (*ConversationService).stepQuote, inputAction: (*ConversationService).stepQuote},
	domain.StateAwaitingPayment:    {inputText: (*ConversationService).stepAwaitingPayment, inputAction: (*ConversationService).stepAwaitingPayment},
	domain.StateActive:             {inputText: (*ConversationService).stepActive, inputAction: (*ConversationService).stepActive},
	domain.StateClaimAskingDate:    {inputText: (*ConversationService).stepClaimDate},
	domain.StateClaimAskingPlace:   {inputText: (*ConversationService).stepClaimLocation},
	domain.StateClaimAskingDetails: {inputText: (*ConversationService).stepClaimDescription},
	domain.StateClaimAskingProof: {
		inputMedia:  (*ConversationService).stepClaimEvidence,
		inputText:   (*ConversationService).stepClaimEvidenceCommand,
		inputAction: (*ConversationService).stepClaimEvidenceCommand,
	},
}

// conversationEdges lists the states each state may move to.
var conversationEdges = map[domain.ConversationState][]domain.ConversationState{
	domain.StateNew:                {domain.StateAskingName},
	domain.StateAskingName:         {domain.StateAskingID},
	domain.StateAskingID:           {domain.StateAskingIDPhoto},
	domain.StateAskingIDPhoto:      {domain.StateWaitingForApproval},
	domain.StateWaitingForApproval: {domain.StateAskingVehicleMake, domain.StateAskingName},
	domain.StateAskingVehicleMake:  {domain.StateAskingVehicleModel},
	domain.StateAskingVehicleModel: {domain.StateAskingVehicleYear},
	domain.StateAskingVehicleYear:  {domain.StateAskingRegistration},
	domain.StateAskingRegistration: {domain.StateAskingVehicleValue},
	domain.StateAskingVehicleValue: {domain.StateAskingCoverageType},
	domain.StateAskingCoverageType: {domain.StateQuotePresented},
	domain.StateQuotePresented:     {domain.StateAwaitingPayment, domain.StateAskingCoverageType},
	domain.StateAwaitingPayment:    {domain.StateActive, domain.StateAskingCoverageType},
	domain.StateActive:             {domain.StateClaimAskingDate, domain.StateAskingVehicleMake},
	domain.StateClaimAskingDate:    {domain.StateClaimAskingPlace, domain.StateActive},
	domain.StateClaimAskingPlace:   {domain.StateClaimAskingDetails, domain.StateActive},
	domain.StateClaimAskingDetails: {domain.StateClaimAskingProof, domain.StateActive},
	domain.StateClaimAskingProof:   {domain.StateActive},
}

// canTransition reports whether from -> to is a declared edge. Staying put is always legal.
func canTransition(from, to domain.ConversationState) bool {
	if from == to {
		return true
	}
	for _, next := range conversationEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateConversationGraph checks that every state has steps and every edge targets a known state.
func validateConversationGraph() error {
	for _, state := range domain.AllStates {
		if len(conversationSteps[state]) == 0 {
			return fmt.Errorf("state %s has no steps", state)
		}
		if _, ok := conversationEdges[state]; !ok {
			return fmt.Errorf("state %s has no edges", state)
		}
	}
	for from, targets := range conversationEdges {
		if !from.Valid() {
			return fmt.Errorf("edge from unknown state %s", from)
		}
		for _, to := range targets {
			if !to.Valid() {
				return fmt.Errorf("edge %s -> unknown state %s", from, to)
			}
		}
	}
	for state := range conversationSteps {
		if !state.Valid() {
			return fmt.Errorf("steps declared for unknown state %s", state)
		}
	}
	return nil
}

// ConversationDeps are the collaborators of ConversationService.
type ConversationDeps struct {
	Repo            store.Repository
	Locker          Locker
	Chat            ChatSender
	Payments        PaymentGateway
	Wallets         WalletIssuer
	Archiver        *DocumentArchiver
	Quotes          *QuoteEngine
	Activity        ActivityPublisher
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
	DefaultLanguage domain.Language
}

// ConversationService drives users through the chat flow.
type ConversationService struct {
	repo        store.Repository
	locker      Locker
	chat        ChatSender
	payments    PaymentGateway
	wallets     WalletIssuer
	archiver    *DocumentArchiver
	quotes      *QuoteEngine
	activity    ActivityPublisher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	defaultLang domain.Language
	now         func() time.Time
}

func NewConversationService(deps ConversationDeps) (*ConversationService, error) {
	if err := validateConversationGraph(); err != nil {
		return nil, fmt.Errorf("invalid conversation graph: %w", err)
	}
	if deps.Repo == nil || deps.Chat == nil || deps.Activity == nil || deps.Quotes == nil {
		return nil, errors.New("conversation service requires a repository, chat sender, activity publisher and quote engine")
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	lang := deps.DefaultLanguage
	if lang == "" {
		lang = domain.LanguageEnglish
	}
	return &ConversationService{
		repo:        deps.Repo,
		locker:      locker,
		chat:        deps.Chat,
		payments:    deps.Payments,
		wallets:     deps.Wallets,
		archiver:    deps.Archiver,
		quotes:      deps.Quotes,
		activity:    deps.Activity,
		metrics:     deps.Metrics,
		logger:      log,
		defaultLang: lang,
		now:         time.Now,
	}, nil
}

// HandleMessage processes one inbound message under the sender's lock. It only returns an
// error when the message could not be evaluated at all (lock or user load failure) and may
// be redelivered.
func (s *ConversationService) HandleMessage(ctx context.Context, msg domain.InboundChatMessage) error {
	phone := NormalizePhone(msg.From)
	if phone == "" {
		return &domain.ValidationError{Field: "from", Reason: "missing sender"}
	}

	unlock, err := s.locker.Lock(ctx, userLockKey(phone))
	if err != nil {
		return fmt.Errorf("lock user %s: %w", phone, err)
	}
	defer unlock()

	user, err := s.repo.FindOrCreateUser(ctx, phone, s.defaultLang)
	if err != nil {
		return fmt.Errorf("load user %s: %w", phone, err)
	}

	t := s.newTurn(user, msg)
	out, stepErr := s.dispatch(ctx, t)
	s.commit(ctx, t, out, stepErr)
	return nil
}

func (s *ConversationService) newTurn(user *domain.User, msg domain.InboundChatMessage) *turn {
	t := &turn{
		user: user,
		msg:  msg,
		text: strings.TrimSpace(msg.Body),
		now:  s.now(),
	}
	upper := strings.ToUpper(t.text)
	switch {
	case upper == "LANGUAGE" || upper == "LUGHA":
		t.class = inputLanguage
		t.command = upper
	case strings.TrimSpace(msg.ButtonID) != "":
		t.class = inputAction
		t.command = strings.ToUpper(strings.TrimSpace(msg.ButtonID))
	case len(msg.Attachments) > 0:
		t.class = inputMedia
	default:
		t.class = inputText
		t.command = upper
	}
	return t
}

func (s *ConversationService) dispatch(ctx context.Context, t *turn) (outcome, error) {
	if t.class == inputLanguage {
		return s.switchLanguage(ctx, t)
	}
	byClass, ok := conversationSteps[t.user.State]
	if !ok {
		return outcome{}, fmt.Errorf("user %s is in unknown state %q", t.user.Phone, t.user.State)
	}
	run, ok := byClass[t.class]
	if !ok {
		return outcome{}, &domain.ValidationError{Field: "input", Reason: fmt.Sprintf("%s input not accepted in %s", t.class, t.user.State)}
	}
	return run(s, ctx, t)
}

// commit turns a step result into persisted state, one reply and one activity entry.
func (s *ConversationService) commit(ctx context.Context, t *turn, out outcome, stepErr error) {
	from := t.user.State
	lang := t.user.Language
	result := "advanced"

	if stepErr != nil {
		out, result = s.recover(ctx, t, stepErr)
	}
	if out.next == "" {
		out.next = from
	}
	if out.next == from && result == "advanced" {
		result = "stayed"
	}

	if !canTransition(from, out.next) {
		s.logger.Error("step produced an undeclared transition",
			logger.Phone(t.user.Phone), logger.State(string(from)), zap.String("next", string(out.next)))
		out = s.internalFailure(lang, fmt.Errorf("illegal transition %s -> %s", from, out.next))
		result = "error"
	}

	if out.next != from {
		next := out.next
		out.update.State = &next
	}
	if !out.persisted {
		if err := s.repo.UpdateUser(ctx, t.user.Phone, out.update); err != nil {
			s.logger.Error("failed to persist conversation step", logger.Phone(t.user.Phone), logger.State(string(from)), zap.Error(err))
			out = s.internalFailure(lang, fmt.Errorf("persist step: %w", err))
			out.next = from
			result = "error"
		}
	}

	meta := map[string]any{
		"from":  string(from),
		"to":    string(out.next),
		"input": string(t.class),
	}
	if t.msg.ID != "" {
		meta["message_id"] = t.msg.ID
	}
	for k, v := range out.meta {
		meta[k] = v
	}

	if err := s.send(ctx, t.user.Phone, out.reply); err != nil {
		s.logger.Warn("reply delivery failed", logger.Phone(t.user.Phone), zap.Error(err))
		meta["delivery_error"] = err.Error()
		if out.level == "" || out.level == domain.LevelInfo {
			out.level = domain.LevelWarn
		}
	}

	category := out.category
	if category == "" {
		category = domain.CategoryBot
	}
	level := out.level
	if level == "" {
		level = domain.LevelInfo
	}
	event := out.event
	if event == "" {
		event = "message handled"
	}
	s.activity.Publish(domain.ActivityLogEntry{
		Category: category,
		Level:    level,
		Message:  fmt.Sprintf("%s (%s -> %s)", event, from, out.next),
		Metadata: meta,
		UserID:   t.user.Phone,
	})
	s.metrics.Transition(string(from), result)
}

// recover maps a step error to a reply that keeps the user in place.
func (s *ConversationService) recover(ctx context.Context, t *turn, err error) (outcome, string) {
	lang := t.user.Language

	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		key := invalidKey(validation.Field)
		body := text(lang, key)
		var btns []whatsapp.Button
		if key == msgUnexpectedInput {
			prompt := s.prompt(ctx, t.user)
			body += "\n\n" + prompt.body
			btns = prompt.buttons
		}
		return outcome{
			reply: reply{body: body, buttons: btns},
			event: "input rejected",
			meta:  map[string]any{"field": validation.Field, "reason": validation.Reason},
		}, "invalid"
	}

	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return outcome{
			reply: reply{body: text(lang, msgNotFound)},
			event: "record not found",
			level: domain.LevelWarn,
			meta:  map[string]any{"resource": notFound.Resource, "key": notFound.Key},
		}, "not_found"
	}

	s.logger.Error("conversation step failed", logger.Phone(t.user.Phone), logger.State(string(t.user.State)), zap.Error(err))
	return s.internalFailure(lang, err), "error"
}

func (s *ConversationService) internalFailure(lang domain.Language, err error) outcome {
	return outcome{
		reply:    reply{body: text(lang, msgApology)},
		event:    "conversation step failed",
		category: domain.CategorySystem,
		level:    domain.LevelError,
		meta:     map[string]any{"error": err.Error()},
	}
}

func (s *ConversationService) send(ctx context.Context, to string, r reply) error {
	var err error
	if len(r.buttons) > 0 {
		err = s.chat.SendButtons(ctx, to, r.body, r.buttons)
	} else {
		err = s.chat.SendText(ctx, to, r.body)
	}
	if err != nil {
		return &domain.GatewayError{Gateway: "whatsapp", Op: "send", Err: err}
	}
	return nil
}

func (s *ConversationService) switchLanguage(ctx context.Context, t *turn) (outcome, error) {
	lang := domain.LanguageEnglish
	if t.command == "LUGHA" {
		lang = domain.LanguageSwahili
	}
	shown := *t.user
	shown.Language = lang
	prompt := s.prompt(ctx, &shown)
	return outcome{
		update: store.UpdateUserParams{Language: &lang},
		reply:  reply{body: text(lang, msgLanguageSet) + "\n\n" + prompt.body, buttons: prompt.buttons},
		event:  "language changed",
		meta:   map[string]any{"language": string(lang)},
	}, nil
}

// prompt is the question the user is expected to answer in their current state.
func (s *ConversationService) prompt(ctx context.Context, user *domain.User) reply {
	lang := user.Language
	switch user.State {
	case domain.StateNew, domain.StateAskingName:
		return reply{body: text(lang, msgWelcome)}
	case domain.StateAskingID:
		return reply{body: text(lang, msgAskID, firstName(user.KYC.FullName))}
	case domain.StateAskingIDPhoto:
		return reply{body: text(lang, msgAskIDPhoto)}
	case domain.StateWaitingForApproval:
		return reply{body: text(lang, msgKYCWaiting)}
	case domain.StateAskingVehicleMake:
		return reply{body: text(lang, msgAskMake)}
	case domain.StateAskingVehicleModel:
		return reply{body: text(lang, msgAskModel)}
	case domain.StateAskingVehicleYear:
		return reply{body: text(lang, msgAskYear)}
	case domain.StateAskingRegistration:
		return reply{body: text(lang, msgAskRegistration)}
	case domain.StateAskingVehicleValue:
		return reply{body: text(lang, msgAskValue)}
	case domain.StateAskingCoverageType:
		return reply{body: text(lang, msgAskCoverage), buttons: buttons(lang, "1", "2")}
	case domain.StateQuotePresented:
		if user.PendingQuoteID != nil {
			if q, err := s.repo.FindQuoteByID(ctx, *user.PendingQuoteID); err == nil {
				return s.quoteReply(lang, q)
			}
		}
		return reply{body: text(lang, msgInvalidQuoteAction), buttons: buttons(lang, "ACCEPT", "DECLINE")}
	case domain.StateAwaitingPayment:
		number := ""
		if user.PendingPolicyID != nil {
			if p, err := s.repo.FindPolicyByID(ctx, *user.PendingPolicyID); err == nil {
				number = p.PolicyNumber
			}
		}
		return reply{body: text(lang, msgPaymentPending, number), buttons: buttons(lang, "PAY")}
	case domain.StateActive:
		return reply{body: text(lang, msgMenu), buttons: buttons(lang, "CLAIM", "POLICY", "BUY")}
	case domain.StateClaimAskingDate:
		return reply{body: text(lang, msgClaimAskDate)}
	case domain.StateClaimAskingPlace:
		return reply{body: text(lang, msgClaimAskLocation)}
	case domain.StateClaimAskingDetails:
		return reply{body: text(lang, msgClaimAskDetails)}
	case domain.StateClaimAskingProof:
		return reply{body: text(lang, msgClaimAskEvidence), buttons: buttons(lang, "DONE", "SKIP")}
	}
	return reply{body: text(lang, msgWelcome)}
}

// NormalizePhone reduces a chat handle to digits ("+254 712-345678" -> "254712345678").
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
