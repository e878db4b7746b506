package escrow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tonescrow/internal/ton"
)

// Reply is the text returned to the user for one call into the Machine.
type Reply struct {
	Text string `json:"text"`
	Step Step   `json:"step"`
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}

func helpText(s Settings) string {
	return fmt.Sprintf(`How it works:
1. Start an escrow and send the seller's wallet address.
2. Send the amount in TON.
3. You get a one-time escrow address. Send exactly that amount to it.
4. Once the payment is seen, the seller is paid and a %s%% service fee is kept.

Payments must arrive within %d minutes. Balances are checked every %d seconds.`,
		s.FeeRate.Percent(), minutes(s.PaymentTimeout), int(s.CheckInterval/time.Second))
}

func promptSellerText() string {
	return `Starting a new escrow.

Send the seller's TON wallet address.
Accepted formats: EQ... (bounceable), UQ... (non-bounceable), kQ... or 0Q... (testnet).

Double-check it: payouts to a wrong address cannot be reversed.`
}

func conflictText(s *Session) string {
	if s.EscrowAddress != "" {
		return fmt.Sprintf("You already have an active escrow waiting for payment at %s.\nWait for it to finish or contact support.", s.EscrowAddress)
	}
	return "You already have an escrow being set up. Wait for it to finish or contact support."
}

const (
	noSessionText = "There is no escrow in progress. Start a new one first."
	staleText     = "That message is too old to process. Please send it again."
	selfDealText  = "The seller address cannot be the service fee address. Send the seller's own address."
	provisionText = `Could not create the escrow wallet. This is usually a temporary network problem.

Send the amount again to retry, or contact support.`
	processingText = "Payment received. Sending the payouts now, this can take a moment."
)

func expiredText(s *Session, ttl time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your escrow session expired after %d minutes. Please start over.", minutes(ttl))
	if s.EscrowAddress != "" {
		fmt.Fprintf(&b, "\n\nThe escrow address %s is no longer monitored. Do not send funds to it. If you already did, contact support with transaction %s.",
			s.EscrowAddress, s.TransactionID)
	}
	return b.String()
}

func invalidAddressText(empty bool) string {
	if empty {
		return "The address is empty. Send the seller's TON wallet address."
	}
	return `That is not a valid TON address.

An address is 48 characters and starts with EQ, UQ, kQ or 0Q. Check it and send it again.`
}

func promptAmountText(seller string) string {
	return fmt.Sprintf("Seller address accepted:\n%s\n\nNow send the amount in TON (for example 1.5).", seller)
}

func invalidAmountText(err error) string {
	switch {
	case errors.Is(err, ton.ErrNonPositive):
		return "The amount must be greater than zero."
	case errors.Is(err, ton.ErrTooPrecise):
		return fmt.Sprintf("TON has at most %d decimal places. Send a shorter amount.", ton.Decimals)
	case errors.Is(err, ton.ErrOverflow):
		return "That amount is too large."
	default:
		return "That is not a valid amount. Send a decimal number such as 1.5."
	}
}

func createdText(s *Session, st Settings) string {
	a := s.Amounts
	return fmt.Sprintf(`Escrow created.

Total: %s TON
Seller: %s
Service fee (%s%%): %s TON
Seller receives: %s TON

Send exactly %s TON to:
%s

Payment must arrive within %d minutes. Keep this message for reference.`,
		a.Total(), s.SellerAddress, st.FeeRate.Percent(), a.Fee(), a.Seller(),
		a.Total(), s.EscrowAddress, minutes(st.PaymentTimeout))
}

func unexpectedText(s *Session) string {
	switch s.Step {
	case StepFundedWaiting:
		return fmt.Sprintf("Your escrow is waiting for %s TON at %s. No input is needed.", s.Amounts.Total(), s.EscrowAddress)
	case StepProvisioning:
		return "Your escrow wallet is still being created. Please wait."
	case StepReleaseFailed:
		return fmt.Sprintf("Your last escrow needs manual release by support. Escrow address: %s, user id: %s.", s.EscrowAddress, s.UserID)
	default:
		return "Use the menu to start a new escrow."
	}
}

func resetText(prev *Session) string {
	if prev != nil && prev.Step == StepFundedWaiting {
		return fmt.Sprintf("Escrow cancelled. The address %s is no longer monitored; do not send funds to it. If you already did, contact support with transaction %s.",
			prev.EscrowAddress, prev.TransactionID)
	}
	return "Back to the main menu."
}

func progressText(expected, observed ton.Amount, address string, check, budget int, interval time.Duration) string {
	return fmt.Sprintf(`Waiting for payment.

Expected: %s TON
Received: %s TON
Address: %s
Check %d/%d, every %d seconds.`,
		expected, observed, address, check, budget, int(interval/time.Second))
}

func timeoutText(address string, timeout time.Duration) string {
	return fmt.Sprintf(`Escrow timed out after %d minutes.

No payment was detected at:
%s

If you did send the payment, contact support with the transaction hash. Do not send more funds to this address.`,
		minutes(timeout), address)
}

func releasedText(r *Record) string {
	a := r.Amounts
	return fmt.Sprintf(`Escrow completed.

Total: %s TON
Sent to seller: %s TON
Service fee: %s TON

Seller: %s
Escrow: %s`,
		a.Total(), a.Seller(), a.Fee(), r.SellerAddress, r.EscrowAddress)
}

func partialText(r *Record) string {
	return fmt.Sprintf(`Partial success.

Seller payment sent: %s TON
Fee payment failed: %s TON

Your escrow is complete. The fee issue will be resolved by support.`,
		r.Amounts.Seller(), r.Amounts.Fee())
}

func sellerFailedText(r *Record) string {
	return fmt.Sprintf(`Payout failed.

Your %s TON is safe at:
%s

Contact support with this address and your user id %s. The release will be completed manually.`,
		r.Amounts.Total(), r.EscrowAddress, r.UserID)
}

func consistencyText(address, userID string) string {
	return fmt.Sprintf(`Critical error: the escrow data could not be found. Your funds are safe.

Contact support immediately with the escrow address:
%s
and your user id %s.`, address, userID)
}

func releaseCrashText(address, userID string) string {
	return fmt.Sprintf(`Critical error during release. Your funds are safe at:
%s

Contact support now with your user id %s for manual verification.`, address, userID)
}

func retryCompletedText(r *Record) string {
	return fmt.Sprintf("Support completed your escrow: %s TON was sent to the seller %s.", r.Amounts.Seller(), r.SellerAddress)
}
