package services

import (
	"testing"
	"time"

	domain "github.com/marketday/api/internal/domain"
)

func TestCalculateCancellationFeeScenarios(t *testing.T) {
	created := time.Date(2025, time.June, 6, 15, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		input  CancellationInput
		expect domain.CancellationOutcome
	}{
		{
			name: "within grace period on confirmed item",
			input: CancellationInput{
				SubtotalCents:  2000,
				OrderStatus:    domain.OrderItemStatusConfirmed,
				OrderCreatedAt: created,
				Now:            created.Add(30 * time.Minute),
			},
			expect: domain.CancellationOutcome{
				RefundAmountCents:  2000,
				WithinGracePeriod:  true,
				VendorHadConfirmed: true,
			},
		},
		{
			name: "post grace confirmed applies fee",
			input: CancellationInput{
				SubtotalCents:  2000,
				OrderStatus:    domain.OrderItemStatusConfirmed,
				OrderCreatedAt: created,
				Now:            created.Add(2 * time.Hour),
			},
			expect: domain.CancellationOutcome{
				RefundAmountCents:    1500,
				CancellationFeeCents: 500,
				VendorShareCents:     250,
				PlatformShareCents:   250,
				FeeApplied:           true,
				VendorHadConfirmed:   true,
			},
		},
		{
			name: "post grace unconfirmed is full refund",
			input: CancellationInput{
				SubtotalCents:  2000,
				OrderStatus:    domain.OrderItemStatusPaid,
				OrderCreatedAt: created,
				Now:            created.Add(5 * time.Hour),
			},
			expect: domain.CancellationOutcome{RefundAmountCents: 2000},
		},
		{
			name: "exactly one hour is past grace",
			input: CancellationInput{
				SubtotalCents:  1000,
				OrderStatus:    domain.OrderItemStatusReady,
				OrderCreatedAt: created,
				Now:            created.Add(time.Hour),
			},
			expect: domain.CancellationOutcome{
				RefundAmountCents:    750,
				CancellationFeeCents: 250,
				VendorShareCents:     125,
				PlatformShareCents:   125,
				FeeApplied:           true,
				VendorHadConfirmed:   true,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateCancellationFee(tc.input, DefaultCancellationPolicy())
			if got != tc.expect {
				t.Fatalf("expected %+v, got %+v", tc.expect, got)
			}
		})
	}
}

func TestCalculateCancellationFeeGraceAlwaysWins(t *testing.T) {
	created := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	statuses := []domain.OrderItemStatus{
		domain.OrderItemStatusPending,
		domain.OrderItemStatusPaid,
		domain.OrderItemStatusConfirmed,
		domain.OrderItemStatusReady,
	}
	for _, status := range statuses {
		for _, elapsed := range []time.Duration{0, time.Minute, 59*time.Minute + 59*time.Second} {
			got := CalculateCancellationFee(CancellationInput{
				SubtotalCents:  4321,
				OrderStatus:    status,
				OrderCreatedAt: created,
				Now:            created.Add(elapsed),
			}, DefaultCancellationPolicy())
			if got.FeeApplied || got.RefundAmountCents != 4321 || !got.WithinGracePeriod {
				t.Fatalf("status %s elapsed %s: expected full refund in grace, got %+v", status, elapsed, got)
			}
		}
	}
}

func TestCalculateCancellationFeeRefundPlusFeeEqualsSubtotal(t *testing.T) {
	created := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	for _, subtotal := range []int64{1, 2, 3, 99, 101, 1999, 2001, 123457} {
		got := CalculateCancellationFee(CancellationInput{
			SubtotalCents:  subtotal,
			OrderStatus:    domain.OrderItemStatusConfirmed,
			OrderCreatedAt: created,
			Now:            created.Add(3 * time.Hour),
		}, DefaultCancellationPolicy())
		if got.RefundAmountCents+got.CancellationFeeCents != subtotal {
			t.Fatalf("subtotal %d: refund %d + fee %d leaks", subtotal, got.RefundAmountCents, got.CancellationFeeCents)
		}
		if got.VendorShareCents+got.PlatformShareCents != got.CancellationFeeCents {
			t.Fatalf("subtotal %d: split %d/%d does not sum to fee %d", subtotal, got.VendorShareCents, got.PlatformShareCents, got.CancellationFeeCents)
		}
	}
}

func TestCalculateCancellationFeeRounding(t *testing.T) {
	created := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	got := CalculateCancellationFee(CancellationInput{
		SubtotalCents:  1002,
		OrderStatus:    domain.OrderItemStatusConfirmed,
		OrderCreatedAt: created,
		Now:            created.Add(2 * time.Hour),
	}, DefaultCancellationPolicy())
	// 1002 * 0.25 = 250.5 rounds half away from zero
	if got.CancellationFeeCents != 251 || got.RefundAmountCents != 751 {
		t.Fatalf("unexpected rounding %+v", got)
	}
}

func TestBuyerPaidAmount(t *testing.T) {
	order := domain.Order{SubtotalCents: 6000, BuyerFeeCents: 390}
	if got := BuyerPaidAmount(2000, order, 3); got != 2130 {
		t.Fatalf("expected prorated 2130, got %d", got)
	}
	if got := BuyerPaidAmount(2000, domain.Order{BuyerFeeCents: 300}, 3); got != 2100 {
		t.Fatalf("expected even split 2100, got %d", got)
	}
	if got := BuyerPaidAmount(2000, domain.Order{}, 3); got != 2000 {
		t.Fatalf("expected bare subtotal without fees, got %d", got)
	}
}

func TestBuyerCancellationMessage(t *testing.T) {
	full := domain.CancellationOutcome{RefundAmountCents: 2000}
	if msg := BuyerCancellationMessage(full, false, true); msg != "Order cancelled. You will receive a full refund of $20.00." {
		t.Fatalf("unexpected full refund message %q", msg)
	}
	fee := domain.CancellationOutcome{RefundAmountCents: 1500, CancellationFeeCents: 500, FeeApplied: true}
	if msg := BuyerCancellationMessage(fee, false, true); msg != "Order cancelled. A cancellation fee of $5.00 was applied; $15.00 will be refunded." {
		t.Fatalf("unexpected fee message %q", msg)
	}
	if msg := BuyerCancellationMessage(fee, true, true); msg != "Order cancelled, but there was an issue processing your refund. Our team will handle it manually." {
		t.Fatalf("unexpected failure message %q", msg)
	}
}
