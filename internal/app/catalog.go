package app

import (
	"fmt"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/pkg/whatsapp"
)

type msgKey string

const (
	msgWelcome            msgKey = "welcome"
	msgAskID              msgKey = "ask_id"
	msgAskIDPhoto         msgKey = "ask_id_photo"
	msgKYCWaiting         msgKey = "kyc_waiting"
	msgKYCRejected        msgKey = "kyc_rejected"
	msgAskMake            msgKey = "ask_make"
	msgKYCApproved        msgKey = "kyc_approved"
	msgAskModel           msgKey = "ask_model"
	msgAskYear            msgKey = "ask_year"
	msgAskRegistration    msgKey = "ask_registration"
	msgAskValue           msgKey = "ask_value"
	msgAskCoverage        msgKey = "ask_coverage"
	msgQuote              msgKey = "quote"
	msgQuoteExpired       msgKey = "quote_expired"
	msgQuoteDeclined      msgKey = "quote_declined"
	msgPaymentRequested   msgKey = "payment_requested"
	msgPaymentPushFailed  msgKey = "payment_push_failed"
	msgPaymentPending     msgKey = "payment_pending"
	msgActivationDelayed  msgKey = "activation_delayed"
	msgPolicyActivated    msgKey = "policy_activated"
	msgPaymentFailed      msgKey = "payment_failed"
	msgMenu               msgKey = "menu"
	msgNoActivePolicy     msgKey = "no_active_policy"
	msgPolicySummary      msgKey = "policy_summary"
	msgNoPolicy           msgKey = "no_policy"
	msgClaimAskDate       msgKey = "claim_ask_date"
	msgClaimAskLocation   msgKey = "claim_ask_location"
	msgClaimAskDetails    msgKey = "claim_ask_description"
	msgClaimAskEvidence   msgKey = "claim_ask_evidence"
	msgEvidenceReceived   msgKey = "evidence_received"
	msgClaimSubmitted     msgKey = "claim_submitted"
	msgClaimCancelled     msgKey = "claim_cancelled"
	msgClaimStatus        msgKey = "claim_status"
	msgKYCVerifiedNotice  msgKey = "kyc_verified_notice"
	msgKYCRejectedNotice  msgKey = "kyc_rejected_notice"
	msgPolicyExpired      msgKey = "policy_expired"
	msgNotFound           msgKey = "not_found"
	msgApology            msgKey = "apology"
	msgLanguageSet        msgKey = "language_set"
	msgUnexpectedInput    msgKey = "unexpected_input"
	msgInvalidName        msgKey = "invalid.full_name"
	msgInvalidIDNumber    msgKey = "invalid.id_number"
	msgInvalidIDPhoto     msgKey = "invalid.id_photo"
	msgInvalidMake        msgKey = "invalid.make"
	msgInvalidModel       msgKey = "invalid.model"
	msgInvalidYear        msgKey = "invalid.year"
	msgInvalidReg         msgKey = "invalid.registration"
	msgInvalidValue       msgKey = "invalid.value"
	msgInvalidCoverage    msgKey = "invalid.coverage"
	msgInvalidQuoteAction msgKey = "invalid.quote_action"
	msgInvalidClaimDate   msgKey = "invalid.incident_date"
	msgInvalidLocation    msgKey = "invalid.location"
	msgInvalidDetails     msgKey = "invalid.description"
	msgInvalidEvidence    msgKey = "invalid.evidence"
)

var catalog = map[domain.Language]map[msgKey]string{
	domain.LanguageEnglish: {
		msgWelcome:            "Welcome to Hima, motorcycle cover on WhatsApp. Reply LUGHA for Kiswahili.\n\nWhat is your full name as it appears on your ID?",
		msgAskID:              "Thanks %s. What is your national ID number?",
		msgAskIDPhoto:         "Please send a clear photo of the front of your ID.",
		msgKYCWaiting:         "Your details are being verified. We will message you as soon as they are approved.",
		msgKYCRejected:        "We could not verify your details (%s). Let's try again. What is your full name as it appears on your ID?",
		msgAskMake:            "What is the make of your motorcycle? (e.g. Honda, Bajaj, TVS)",
		msgKYCApproved:        "You are verified! What is the make of your motorcycle? (e.g. Honda, Bajaj, TVS)",
		msgAskModel:           "What is the model? (e.g. Boxer 150)",
		msgAskYear:            "Which year was it manufactured?",
		msgAskRegistration:    "What is the registration number? (e.g. KMFA 123A)",
		msgAskValue:           "What is the current value of the motorcycle in KES?",
		msgAskCoverage:        "Choose your cover:\n1. Third Party\n2. Comprehensive",
		msgQuote:              "%s cover for %s\nPremium: %s for %d days.\nThis quote is valid until %s.",
		msgQuoteExpired:       "That quote has expired. Please choose your cover again for a fresh quote.\n1. Third Party\n2. Comprehensive",
		msgQuoteDeclined:      "No problem. Choose a cover whenever you are ready:\n1. Third Party\n2. Comprehensive",
		msgPaymentRequested:   "Policy %s reserved. Check your phone and enter your M-Pesa PIN to pay %s.",
		msgPaymentPushFailed:  "We could not start the M-Pesa payment right now. Reply PAY to try again.",
		msgPaymentPending:     "We are waiting for your M-Pesa payment for policy %s. Reply PAY to resend the payment request.",
		msgActivationDelayed:  "Payment for policy %s received. Activation is taking longer than usual and our team is on it. We will notify you once it is active.",
		msgPolicyActivated:    "Payment received. Policy %s is now active until %s.",
		msgPaymentFailed:      "Payment for policy %s was not completed (%s). Reply PAY to try again.",
		msgMenu:               "What would you like to do?\nCLAIM - report an incident\nPOLICY - view your policy\nBUY - cover another motorcycle",
		msgNoActivePolicy:     "You have no active policy to claim against. Reply BUY to get covered.",
		msgPolicySummary:      "Policy %s\nCover: %s\nVehicle: %s\nStatus: %s\nValid until: %s",
		msgNoPolicy:           "You do not have a policy yet. Reply BUY to get covered.",
		msgClaimAskDate:       "Sorry to hear that. When did the incident happen? Reply with a date like 2024-05-01, or TODAY. Reply CANCEL to stop.",
		msgClaimAskLocation:   "Where did it happen?",
		msgClaimAskDetails:    "Briefly describe what happened.",
		msgClaimAskEvidence:   "Send photos of the damage or a police abstract. Reply DONE when finished or SKIP to submit without photos.",
		msgEvidenceReceived:   "Received %d file(s). Send more or reply DONE to submit.",
		msgClaimSubmitted:     "Claim %s submitted. We will update you on its progress.",
		msgClaimCancelled:     "Claim cancelled.",
		msgClaimStatus:        "Update on claim %s: %s.",
		msgKYCVerifiedNotice:  "Your identity has been verified. Reply HI to get a quote.",
		msgKYCRejectedNotice:  "We could not verify your identity (%s). Reply HI to submit your details again.",
		msgPolicyExpired:      "Policy %s has expired. Reply BUY to renew your cover.",
		msgNotFound:           "We could not find that record. Let's start again.",
		msgApology:            "Sorry, something went wrong on our side. Please try again in a moment.",
		msgLanguageSet:        "Language set to English.",
		msgUnexpectedInput:    "Sorry, I did not understand that.",
		msgInvalidName:        "Please send your full name (first and last name, letters only).",
		msgInvalidIDNumber:    "That ID number does not look right. Use 5 to 20 letters, digits or dashes.",
		msgInvalidIDPhoto:     "Please send a photo of your ID, not text.",
		msgInvalidMake:        "Please send the make in 2 to 40 characters.",
		msgInvalidModel:       "Please send the model in 2 to 40 characters.",
		msgInvalidYear:        "Please send the year as a number, e.g. 2021.",
		msgInvalidReg:         "Please send a registration number like KMFA 123A.",
		msgInvalidValue:       "Please send the value as a number between 10,000 and 5,000,000 KES.",
		msgInvalidCoverage:    "Please reply 1 for Third Party or 2 for Comprehensive.",
		msgInvalidQuoteAction: "Reply ACCEPT to buy this cover or DECLINE to choose again.",
		msgInvalidClaimDate:   "Please send a date like 2024-05-01 that is not in the future and falls within your cover.",
		msgInvalidLocation:    "Please describe the location in 3 to 120 characters.",
		msgInvalidDetails:     "Please describe what happened in 10 to 1000 characters.",
		msgInvalidEvidence:    "Send a photo, or reply DONE or SKIP.",
	},
	domain.LanguageSwahili: {
		msgWelcome:            "Karibu Hima, bima ya pikipiki kupitia WhatsApp. Jibu LANGUAGE for English.\n\nJina lako kamili ni lipi kama lilivyo kwenye kitambulisho?",
		msgAskID:              "Asante %s. Nambari yako ya kitambulisho ni ipi?",
		msgAskIDPhoto:         "Tafadhali tuma picha wazi ya upande wa mbele wa kitambulisho chako.",
		msgKYCWaiting:         "Maelezo yako yanathibitishwa. Tutakutumia ujumbe punde yatakapoidhinishwa.",
		msgKYCRejected:        "Hatukuweza kuthibitisha maelezo yako (%s). Tujaribu tena. Jina lako kamili ni lipi kama lilivyo kwenye kitambulisho?",
		msgAskMake:            "Pikipiki yako ni aina gani? (mf. Honda, Bajaj, TVS)",
		msgKYCApproved:        "Umethibitishwa! Pikipiki yako ni aina gani? (mf. Honda, Bajaj, TVS)",
		msgAskModel:           "Ni modeli gani? (mf. Boxer 150)",
		msgAskYear:            "Ilitengenezwa mwaka gani?",
		msgAskRegistration:    "Nambari ya usajili ni ipi? (mf. KMFA 123A)",
		msgAskValue:           "Thamani ya sasa ya pikipiki ni KES ngapi?",
		msgAskCoverage:        "Chagua bima:\n1. Third Party\n2. Comprehensive",
		msgQuote:              "Bima ya %s kwa %s\nAda: %s kwa siku %d.\nBei hii ni halali hadi %s.",
		msgQuoteExpired:       "Bei hiyo imeisha muda. Tafadhali chagua bima tena upate bei mpya.\n1. Third Party\n2. Comprehensive",
		msgQuoteDeclined:      "Sawa. Chagua bima ukiwa tayari:\n1. Third Party\n2. Comprehensive",
		msgPaymentRequested:   "Sera %s imehifadhiwa. Angalia simu yako na uweke PIN ya M-Pesa kulipa %s.",
		msgPaymentPushFailed:  "Hatukuweza kuanzisha malipo ya M-Pesa sasa hivi. Jibu PAY kujaribu tena.",
		msgPaymentPending:     "Tunasubiri malipo yako ya M-Pesa kwa sera %s. Jibu PAY kutuma ombi la malipo tena.",
		msgActivationDelayed:  "Malipo ya sera %s yamepokelewa. Uanzishaji unachukua muda zaidi na timu yetu inashughulikia. Tutakujulisha ikishaanza.",
		msgPolicyActivated:    "Malipo yamepokelewa. Sera %s sasa iko hai hadi %s.",
		msgPaymentFailed:      "Malipo ya sera %s hayakukamilika (%s). Jibu PAY kujaribu tena.",
		msgMenu:               "Ungependa kufanya nini?\nCLAIM - ripoti tukio\nPOLICY - angalia sera yako\nBUY - kata bima ya pikipiki nyingine",
		msgNoActivePolicy:     "Huna sera hai ya kudai. Jibu BUY upate bima.",
		msgPolicySummary:      "Sera %s\nBima: %s\nPikipiki: %s\nHali: %s\nHalali hadi: %s",
		msgNoPolicy:           "Bado huna sera. Jibu BUY upate bima.",
		msgClaimAskDate:       "Pole sana. Tukio lilitokea lini? Jibu kwa tarehe kama 2024-05-01, au TODAY. Jibu CANCEL kusitisha.",
		msgClaimAskLocation:   "Lilitokea wapi?",
		msgClaimAskDetails:    "Eleza kwa ufupi kilichotokea.",
		msgClaimAskEvidence:   "Tuma picha za uharibifu au abstract ya polisi. Jibu DONE ukimaliza au SKIP kuwasilisha bila picha.",
		msgEvidenceReceived:   "Tumepokea faili %d. Tuma zaidi au jibu DONE kuwasilisha.",
		msgClaimSubmitted:     "Dai %s limewasilishwa. Tutakujulisha maendeleo yake.",
		msgClaimCancelled:     "Dai limesitishwa.",
		msgClaimStatus:        "Taarifa kuhusu dai %s: %s.",
		msgKYCVerifiedNotice:  "Utambulisho wako umethibitishwa. Jibu HI upate bei.",
		msgKYCRejectedNotice:  "Hatukuweza kuthibitisha utambulisho wako (%s). Jibu HI kutuma maelezo tena.",
		msgPolicyExpired:      "Sera %s imeisha muda. Jibu BUY kuhuisha bima yako.",
		msgNotFound:           "Hatukupata rekodi hiyo. Tuanze upya.",
		msgApology:            "Samahani, kuna hitilafu upande wetu. Tafadhali jaribu tena baada ya muda mfupi.",
		msgLanguageSet:        "Lugha imewekwa Kiswahili.",
		msgUnexpectedInput:    "Samahani, sijaelewa.",
		msgInvalidName:        "Tafadhali tuma jina lako kamili (jina la kwanza na la mwisho, herufi pekee).",
		msgInvalidIDNumber:    "Nambari hiyo ya kitambulisho si sahihi. Tumia herufi, tarakimu au vistari 5 hadi 20.",
		msgInvalidIDPhoto:     "Tafadhali tuma picha ya kitambulisho, si maandishi.",
		msgInvalidMake:        "Tafadhali tuma aina kwa herufi 2 hadi 40.",
		msgInvalidModel:       "Tafadhali tuma modeli kwa herufi 2 hadi 40.",
		msgInvalidYear:        "Tafadhali tuma mwaka kwa tarakimu, mf. 2021.",
		msgInvalidReg:         "Tafadhali tuma nambari ya usajili kama KMFA 123A.",
		msgInvalidValue:       "Tafadhali tuma thamani kwa tarakimu kati ya 10,000 na 5,000,000 KES.",
		msgInvalidCoverage:    "Tafadhali jibu 1 kwa Third Party au 2 kwa Comprehensive.",
		msgInvalidQuoteAction: "Jibu ACCEPT kununua bima hii au DECLINE kuchagua tena.",
		msgInvalidClaimDate:   "Tafadhali tuma tarehe kama 2024-05-01 isiyo ya baadaye na iliyo ndani ya muda wa bima.",
		msgInvalidLocation:    "Tafadhali eleza mahali kwa herufi 3 hadi 120.",
		msgInvalidDetails:     "Tafadhali eleza kilichotokea kwa herufi 10 hadi 1000.",
		msgInvalidEvidence:    "Tuma picha, au jibu DONE au SKIP.",
	},
}

var buttonTitles = map[domain.Language]map[string]string{
	domain.LanguageEnglish: {
		"1": "Third Party", "2": "Comprehensive",
		"ACCEPT": "Accept & pay", "DECLINE": "Decline",
		"PAY": "Pay now",
		"CLAIM": "Make a claim", "POLICY": "My policy", "BUY": "Buy cover",
		"DONE": "Done", "SKIP": "Skip",
	},
	domain.LanguageSwahili: {
		"1": "Third Party", "2": "Comprehensive",
		"ACCEPT": "Kubali ulipe", "DECLINE": "Kataa",
		"PAY": "Lipa sasa",
		"CLAIM": "Weka dai", "POLICY": "Sera yangu", "BUY": "Nunua bima",
		"DONE": "Nimemaliza", "SKIP": "Ruka",
	},
}

// text renders key in lang, falling back to English.
func text(lang domain.Language, key msgKey, args ...any) string {
	tmpl, ok := catalog[lang][key]
	if !ok {
		tmpl = catalog[domain.LanguageEnglish][key]
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

func buttons(lang domain.Language, ids ...string) []whatsapp.Button {
	out := make([]whatsapp.Button, 0, len(ids))
	for _, id := range ids {
		title, ok := buttonTitles[lang][id]
		if !ok {
			title = buttonTitles[domain.LanguageEnglish][id]
		}
		out = append(out, whatsapp.Button{ID: id, Title: title})
	}
	return out
}

func invalidKey(field string) msgKey {
	key := msgKey("invalid." + field)
	if _, ok := catalog[domain.LanguageEnglish][key]; ok {
		return key
	}
	return msgUnexpectedInput
}
