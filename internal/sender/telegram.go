package sender

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// TelegramSender delivers broadcast messages through the Bot API. It holds
// the outbound rate limiter; hitting Telegram's flood control anyway is
// reported as retryable, never as fatal.
type TelegramSender struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewTelegramSender(token string, ratePerSec int, log *zap.Logger) (*TelegramSender, error) {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: nil, // send-only; the engine never consumes updates
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
	}, nil
}

func (s *TelegramSender) Send(ctx context.Context, chatID int64, message string) Result {
	if err := s.limiter.Wait(ctx); err != nil {
		// cancelled while queued for the limiter; nothing went out
		return Result{Outcome: OutcomeAborted, Reason: "send cancelled before dispatch: " + err.Error()}
	}

	msg, err := s.bot.Send(&tele.User{ID: chatID}, message)
	if err == nil {
		return Result{Outcome: OutcomeDelivered, TransportMessageID: strconv.Itoa(msg.ID)}
	}

	res := classify(err)
	s.log.Debug("telegram send failed",
		zap.Int64("chat_id", chatID),
		zap.String("outcome", string(res.Outcome)),
		zap.Error(err),
	)
	return res
}

// classify maps a Bot API error onto the engine's outcome taxonomy.
//
// Rejections that are definitively attributable to the recipient are
// permanent. Flood control, timeouts, and server errors are retryable.
// Everything else is ambiguous: the send may or may not have happened.
func classify(err error) Result {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound):
		return Result{Outcome: OutcomePermanentFailure, Reason: err.Error()}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Result{
			Outcome: OutcomeRetryableFailure,
			Reason:  "flood control, retry after " + (time.Duration(flood.RetryAfter) * time.Second).String(),
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{Outcome: OutcomeRetryableFailure, Reason: "transport timeout: " + err.Error()}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 500 {
		return Result{Outcome: OutcomeRetryableFailure, Reason: err.Error()}
	}

	return Result{Outcome: OutcomeAmbiguous, Reason: err.Error()}
}
